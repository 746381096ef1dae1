package errors_test

import (
	"errors"
	"fmt"
	"testing"

	derrors "github.com/dkod-io/dk-server/pkg/errors"
)

func TestNewAndError(t *testing.T) {
	err := derrors.New(derrors.NotFound, "unknown changeset")
	if err.Error() != "not-found: unknown changeset" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := derrors.Wrap(derrors.Internal, "writing file", cause)

	if !errors.Is(err, cause) {
		t.Error("Wrap should preserve the cause for errors.Is")
	}
	want := "internal: writing file: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want derrors.Kind
	}{
		{"nil error", nil, ""},
		{"kind error", derrors.New(derrors.InvalidArgument, "bad input"), derrors.InvalidArgument},
		{"wrapped kind error", fmt.Errorf("context: %w", derrors.New(derrors.SessionExpired, "gone")), derrors.SessionExpired},
		{"untagged error", errors.New("plain error"), derrors.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := derrors.CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}
