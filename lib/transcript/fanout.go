// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"context"
	"errors"
)

// Fanout writes every update to each of its stores. A failing store
// does not stop the others; the errors are joined.
type Fanout []Store

func (f Fanout) Upsert(ctx context.Context, id string, update Update) error {
	var errs []error
	for _, store := range f {
		if store == nil {
			continue
		}
		if err := store.Upsert(ctx, id, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
