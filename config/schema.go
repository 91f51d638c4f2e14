package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var (
	ErrRequired     = errors.New("required option is not set")
	ErrInvalidValue = errors.New("invalid option value")
)

type Kind int

const (
	String Kind = iota
	Int
	Float
	Decimal
	Bool
	List
	Map
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Decimal:
		return "decimal"
	case Bool:
		return "bool"
	case List:
		return "list"
	case Map:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Option declares one configuration key. Validate receives the decoded
// value, e.g. a decimal.Decimal for Decimal options.
type Option struct {
	Key      string
	Kind     Kind
	Default  any
	Required bool
	Validate func(v any) error
}

type Schema []Option

type decoder func(raw any) (any, error)

var decoders = map[Kind]decoder{
	String: func(raw any) (any, error) { return cast.ToStringE(raw) },
	Int:    func(raw any) (any, error) { return cast.ToIntE(raw) },
	Float:  func(raw any) (any, error) { return cast.ToFloat64E(raw) },
	Bool:   func(raw any) (any, error) { return cast.ToBoolE(raw) },
	Decimal: func(raw any) (any, error) {
		s, err := cast.ToStringE(raw)
		if err != nil {
			return nil, err
		}
		return decimal.NewFromString(strings.TrimSpace(s))
	},
	List: func(raw any) (any, error) {
		// env values arrive as one comma separated string
		if s, ok := raw.(string); ok {
			out := []string{}
			for _, item := range strings.Split(s, ",") {
				if item = strings.TrimSpace(item); item != "" {
					out = append(out, item)
				}
			}
			return out, nil
		}
		return cast.ToStringSliceE(raw)
	},
	Map: func(raw any) (any, error) { return cast.ToStringMapStringE(raw) },
}

func zeroValue(k Kind) any {
	switch k {
	case String:
		return ""
	case Int:
		return 0
	case Float:
		return 0.0
	case Decimal:
		return decimal.Zero
	case Bool:
		return false
	case List:
		return []string{}
	case Map:
		return map[string]string{}
	}
	return nil
}

// Decode reads every option of the schema from v. All problems are
// reported at once.
func (s Schema) Decode(v *viper.Viper) (Values, error) {
	var errs []error
	out := make(Values, len(s))

	for _, opt := range s {
		if opt.Default != nil {
			v.SetDefault(opt.Key, opt.Default)
		}
		out[opt.Key] = zeroValue(opt.Kind)

		if !v.IsSet(opt.Key) {
			if opt.Required {
				errs = append(errs, fmt.Errorf("%s: %w", opt.Key, ErrRequired))
			}
			continue
		}

		decode, ok := decoders[opt.Kind]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unknown option kind %s", opt.Key, opt.Kind))
			continue
		}
		val, err := decode(v.Get(opt.Key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w: expected %s: %v", opt.Key, ErrInvalidValue, opt.Kind, err))
			continue
		}
		if opt.Validate != nil {
			if err := opt.Validate(val); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w: %v", opt.Key, ErrInvalidValue, err))
				continue
			}
		}
		out[opt.Key] = val
	}

	return out, errors.Join(errs...)
}

// Values holds decoded options. Getters return the zero value for keys of
// another kind.
type Values map[string]any

func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

func (v Values) Int(key string) int {
	i, _ := v[key].(int)
	return i
}

func (v Values) Float(key string) float64 {
	f, _ := v[key].(float64)
	return f
}

func (v Values) Decimal(key string) decimal.Decimal {
	d, _ := v[key].(decimal.Decimal)
	return d
}

func (v Values) Bool(key string) bool {
	b, _ := v[key].(bool)
	return b
}

func (v Values) List(key string) []string {
	l, _ := v[key].([]string)
	return l
}

func (v Values) Map(key string) map[string]string {
	m, _ := v[key].(map[string]string)
	return m
}

func oneOf(allowed ...string) func(any) error {
	return func(v any) error {
		for _, a := range allowed {
			if v.(string) == a {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %s", v, strings.Join(allowed, ", "))
	}
}

func nonNegative(v any) error {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return fmt.Errorf("must not be negative, got %d", n)
		}
	case float64:
		if n < 0 {
			return fmt.Errorf("must not be negative, got %v", n)
		}
	case decimal.Decimal:
		if n.IsNegative() {
			return fmt.Errorf("must not be negative, got %s", n)
		}
	}
	return nil
}

func positive(v any) error {
	switch n := v.(type) {
	case int:
		if n <= 0 {
			return fmt.Errorf("must be positive, got %d", n)
		}
	case float64:
		if n <= 0 {
			return fmt.Errorf("must be positive, got %v", n)
		}
	case decimal.Decimal:
		if !n.IsPositive() {
			return fmt.Errorf("must be positive, got %s", n)
		}
	}
	return nil
}
