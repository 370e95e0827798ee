package storage

import "errors"

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("storage: not found")

// ErrMissing is the sentinel read paths fold into an empty result when the
// backing store lacks the relevant table/relation entirely — a recoverable
// condition distinct from a genuine connection failure (§6, §7). The bundled
// implementations do not return it: sqlstore folds sqlite's "no such table"
// error directly into an empty result, the defaults or ErrNotFound, and
// jsonstore has no missing-table case.
var ErrMissing = errors.New("storage: relation does not exist")
