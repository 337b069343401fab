package taskargs

import (
	"math"

	"github.com/pkg/errors"
)

// ErrContractMismatch is returned when a vector carries the wrong version.
var ErrContractMismatch = errors.New("args contract version mismatch")

// Validate checks a vector against the schema and returns the first
// failure. It runs on both sides of the process boundary: before a
// generate RPC leaves the coordinator and again inside the worker shim.
func Validate(args []any) error {
	if len(args) != ExpectedLength {
		return errors.Errorf("args vector has length %d, expected %d", len(args), ExpectedLength)
	}
	for i, f := range schema {
		if !f.Checked {
			continue
		}
		if err := checkKind(args[i], f.Kind); err != nil {
			return errors.Wrapf(err, "position %d (%s)", i, f.Name)
		}
	}
	return nil
}

// ValidateVersion wraps Validate with the contract-version gate used by the
// worker-facing generate path.
func ValidateVersion(version int, args []any) error {
	if version != ContractVersion {
		return errors.Wrapf(ErrContractMismatch, "got %d, want %d", version, ContractVersion)
	}
	return Validate(args)
}

func checkKind(v any, kind Kind) error {
	switch kind {
	case KindAny:
		return nil
	case KindBool:
		if _, ok := v.(bool); !ok {
			return errors.Errorf("expected bool, got %T", v)
		}
	case KindString:
		if _, ok := v.(string); !ok {
			return errors.Errorf("expected string, got %T", v)
		}
	case KindStrings:
		switch t := v.(type) {
		case []string:
		case []any:
			for _, e := range t {
				if _, ok := e.(string); !ok {
					return errors.Errorf("expected string element, got %T", e)
				}
			}
		default:
			return errors.Errorf("expected string list, got %T", v)
		}
	case KindNumber:
		n, ok := asFloat(v)
		if !ok {
			return errors.Errorf("expected number, got %T", v)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return errors.New("expected finite number")
		}
	}
	return nil
}

// asFloat accepts the numeric representations seen on either side of the
// JSON boundary: native Go ints in-process, float64 after a decode.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
