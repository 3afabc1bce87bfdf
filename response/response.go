// Package response builds the JSON envelope HTTP handlers reply with:
//
//	{"status": "success", "data": ..., "errors": [], "_meta": {...}}
//
// _meta is present only for paginated results.
package response

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusSuccess is the only status Build produces
const StatusSuccess = "success"

// Envelope is the normalized response body
type Envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
	Errors []any  `json:"errors"`
	Meta   *Meta  `json:"_meta,omitempty"`
}

// Meta carries pagination details
type Meta struct {
	CurrentPage int `json:"currentPage"`
	TotalPages  int `json:"totalPages"`
}

// Paginated is a page of results
type Paginated[T any] struct {
	Items       []T
	CurrentPage int
	TotalPages  int
}

type paginated interface {
	page() (items any, meta Meta)
}

func (p Paginated[T]) page() (any, Meta) {
	return p.Items, Meta{CurrentPage: p.CurrentPage, TotalPages: p.TotalPages}
}

// Build wraps v in a success envelope. A Paginated value contributes its
// items as data and its page numbers as _meta.
func Build(v any) Envelope {
	env := Envelope{
		Status: StatusSuccess,
		Data:   v,
		Errors: []any{},
	}

	if p, ok := v.(paginated); ok {
		items, meta := p.page()
		env.Data = items
		env.Meta = &meta
	}

	return env
}

// Write encodes the envelope for v as the response body
func Write(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(Build(v))
}

// ErrorFunc receives errors returned by a wrapped handler
type ErrorFunc func(w http.ResponseWriter, r *http.Request, err error)

// Handler adapts fn into an http.HandlerFunc that replies with the envelope of
// its result. Errors are passed to onError, or answered with 500 when onError
// is nil.
func Handler(fn func(r *http.Request) (any, error), onError ErrorFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r)
		if err != nil {
			if onError != nil {
				onError(w, r, err)
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		_ = Write(w, v)
	}
}
