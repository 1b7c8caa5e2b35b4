package activedirectory

import "errors"

// ErrNoObjectGUID marks a record with no usable objectGUID. Such records are
// dropped silently: they cannot be correlated across renames.
var ErrNoObjectGUID = errors.New("record has no objectGUID")
