package abi

import (
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

func shortRecord(kind string, got, want int) error {
	return &ferrors.WireFormatError{
		Operation: "decode",
		Type:      kind,
		Err:       ferrors.New(ferrors.InvalidArgument, "", "record is %d bytes, want %d", got, want),
	}
}

func invalid(op, format string, args ...any) error {
	return ferrors.New(ferrors.InvalidArgument, op, format, args...)
}
