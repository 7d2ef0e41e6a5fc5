package rpcerr

import (
	"errors"
	"reflect"
	"strings"
)

// Classifier maps arbitrary failures to classified errors.
//
// Errors that already are (or wrap) an *Error pass through unchanged. Every
// other failure becomes InternalServerError named NameGeneric with an empty
// detail, unless it was registered as safe to expose or the classifier runs
// with details enabled.
type Classifier struct {
	exposeDetails bool
	exposed       []matcher
}

type matcher func(err error) (error, bool)

// Option configures a Classifier.
type Option func(*Classifier)

// WithDetails exposes the type name and message of every failure. Meant for
// development only.
func WithDetails(expose bool) Option {
	return func(c *Classifier) {
		c.exposeDetails = expose
	}
}

// Expose marks failures matching target (errors.Is) as safe to expose.
func Expose(target error) Option {
	return func(c *Classifier) {
		c.exposed = append(c.exposed, func(err error) (error, bool) {
			if errors.Is(err, target) {
				return target, true
			}
			return nil, false
		})
	}
}

// ExposeAs marks failures whose chain contains a T (errors.As) as safe to
// expose.
func ExposeAs[T error]() Option {
	return func(c *Classifier) {
		c.exposed = append(c.exposed, func(err error) (error, bool) {
			var t T
			if errors.As(err, &t) {
				return t, true
			}
			return nil, false
		})
	}
}

// ExposeFunc marks failures for which match returns true as safe to expose.
func ExposeFunc(match func(error) bool) Option {
	return func(c *Classifier) {
		c.exposed = append(c.exposed, func(err error) (error, bool) {
			return err, match(err)
		})
	}
}

// NewClassifier returns a classifier that redacts by default.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Default is the redacting classifier used when none is configured.
var Default = NewClassifier()

// Classify classifies err with the Default classifier.
func Classify(err error) *Error {
	return Default.Classify(err)
}

// Classify returns the classified form of err, or nil for a nil err.
func (c *Classifier) Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	for _, match := range c.exposed {
		if matched, ok := match(err); ok {
			return Wrap(err, InternalServerError, TypeName(matched), err.Error())
		}
	}
	if c.exposeDetails {
		return Wrap(err, InternalServerError, TypeName(err), err.Error())
	}
	return Wrap(err, InternalServerError, NameGeneric, "")
}

// TypeName returns the bare Go type name of err, e.g. "PathError" for a
// *fs.PathError. Unnamed types and the unexported implementation types of
// the standard library, such as the one behind errors.New, yield NameGeneric.
func TypeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return NameGeneric
	}
	if !isExported(t.Name()) && isStdlib(t.PkgPath()) {
		return NameGeneric
	}
	return t.Name()
}

func isExported(name string) bool {
	return name[0] >= 'A' && name[0] <= 'Z'
}

// isStdlib reports whether pkgPath belongs to the standard library, whose
// import paths have no dot in their first element.
func isStdlib(pkgPath string) bool {
	first, _, _ := strings.Cut(pkgPath, "/")
	return !strings.Contains(first, ".")
}
