package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/offsync/internal/validation"
)

// collectionContextKey is the context key for the resolved cache collection.
type collectionContextKey struct{}

// ErrNoCollectionInContext indicates no collection was found in the context.
var ErrNoCollectionInContext = errors.New("no collection in context")

// WithCollection returns a new context with the collection attached.
func WithCollection(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, collectionContextKey{}, name)
}

// CollectionFromContext extracts the collection from the context.
// Returns ErrNoCollectionInContext if not present or empty.
func CollectionFromContext(ctx context.Context) (string, error) {
	name, ok := ctx.Value(collectionContextKey{}).(string)
	if !ok || name == "" {
		return "", ErrNoCollectionInContext
	}
	return name, nil
}

// MustCollectionFromContext extracts the collection or panics.
// Use only when CollectionMiddleware guarantees presence.
func MustCollectionFromContext(ctx context.Context) string {
	name, err := CollectionFromContext(ctx)
	if err != nil {
		panic("collection not in context: middleware misconfiguration")
	}
	return name
}

// CollectionMiddleware resolves the {collection} URL parameter against the
// configured collections. Unknown collections get 404.
func CollectionMiddleware(allowed map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "collection")
			if verr := validation.ValidateKey("collection", name); verr != nil {
				WriteProblemWithErrors(w, r, "Invalid collection", []validation.ValidationError{*verr})
				return
			}
			if _, ok := allowed[name]; !ok {
				WriteProblem(w, r, http.StatusNotFound, "Collection not found")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCollection(r.Context(), name)))
		})
	}
}
