package plans

import "errors"

var (
	ErrPackageNotFound     = errors.New("package not found")
	ErrDuplicatePackage    = errors.New("duplicate package name")
	ErrInvalidPackage      = errors.New("invalid package definition")
	ErrFailedToLoadCatalog = errors.New("failed to load package catalog")
)
