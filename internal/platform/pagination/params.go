package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps pageSize so listings stay bounded.
	DefaultMaxPageSize = 100

	maxFilterValueLength = 64
)

// Params carries the paging and filter values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
	// Filters maps a field to the values it may equal; values of one field are OR-ed.
	Filters map[string][]string
}

// Options control how Parse behaves for a given endpoint.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	// FilterFields lists the fields accepted in filter=field==value expressions.
	FilterFields []string
}

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidFilter    = errors.New("pagination: invalid filter")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// FromRequest parses the supported query parameters from r.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse reads pageSize, pageToken and repeated filter parameters.
//
// A filter is written as field==value; several values for one field may be comma separated
// (filter=status==SHIPPED,DELIVERED) or given as repeated filter parameters.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	pageSize, err := parsePageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: pageSize}

	if raw := strings.TrimSpace(values.Get("pageToken")); raw != "" {
		cursor, err := DecodeToken(raw)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = raw
		params.Cursor = cursor
	}

	for _, raw := range values["filter"] {
		if err := params.addFilter(raw, opts.FilterFields); err != nil {
			return Params{}, err
		}
	}
	return params, nil
}

// FilterValues returns the values accepted for field, or nil when the field was not filtered.
func (p Params) FilterValues(field string) []string {
	if p.Filters == nil {
		return nil
	}
	return p.Filters[field]
}

// Must fills defaults on params built by hand.
func Must(params Params) Params {
	if params.PageSize <= 0 {
		params.PageSize = DefaultPageSize
	}
	return params
}

func parsePageSize(raw string, opts Options) (int, error) {
	def := opts.DefaultPageSize
	if def <= 0 {
		def = DefaultPageSize
	}
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	if def > maxSize {
		def = maxSize
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
	}
	return min(size, maxSize), nil
}

func (p *Params) addFilter(raw string, allowed []string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	field, value, ok := strings.Cut(raw, "==")
	field = strings.TrimSpace(field)
	if !ok || field == "" {
		return fmt.Errorf("%w: expected field==value, got %q", ErrInvalidFilter, raw)
	}
	if !slices.Contains(allowed, field) {
		return fmt.Errorf("%w: field %q is not filterable", ErrInvalidFilter, field)
	}

	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return fmt.Errorf("%w: empty value for %q", ErrInvalidFilter, field)
		}
		if len(part) > maxFilterValueLength {
			return fmt.Errorf("%w: value for %q is too long", ErrInvalidFilter, field)
		}
		if p.Filters == nil {
			p.Filters = make(map[string][]string)
		}
		if !slices.Contains(p.Filters[field], part) {
			p.Filters[field] = append(p.Filters[field], part)
		}
	}
	return nil
}
