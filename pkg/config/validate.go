package config

import "fmt"

// Validator is implemented by every config section.
type Validator interface {
	Validate() []error
}

// Validate collects the errors of all sections, so a user sees every
// problem with a command line at once.
func Validate(cfgs ...Validator) []error {
	var out []error

	for _, cfg := range cfgs {
		out = append(out, cfg.Validate()...)
	}

	return out
}

type integer interface {
	~int | ~int16 | ~int32 | ~uint16 | ~uint32 | ~uint64
}

// checkRange reports v outside [lo, hi] as "<what> v not in [lo, hi]".
func checkRange[T integer](what string, v, lo, hi T) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s %d not in [%d, %d]", what, v, lo, hi)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%d not in [1, 65535]", port)
	}

	return nil
}
