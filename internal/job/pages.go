package job

import (
	"context"
	"iter"
)

// Paginate walks a token-paginated listing lazily, one page per fetch.
// Iteration stops after the first error, which is yielded with a zero page,
// or when a page carries no next token. Each range over the result starts
// again from the first page.
func Paginate[P any](ctx context.Context, fetch func(ctx context.Context, token string) (P, error), next func(P) string) iter.Seq2[P, error] {
	return func(yield func(P, error) bool) {
		token := ""
		for {
			page, err := fetch(ctx, token)
			if err != nil {
				var zero P
				yield(zero, err)
				return
			}
			if !yield(page, nil) {
				return
			}
			token = next(page)
			if token == "" {
				return
			}
		}
	}
}
