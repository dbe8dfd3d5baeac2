package memsys

import "github.com/pkg/errors"

// ErrorKind abstracts the result of a pool or provider operation. It mirrors
// the umf_result_t enum of the original allocator: a small, closed set of
// outcomes that every fallible API reports through LastAllocationError
// instead of (only) a nil return.
type ErrorKind int

const (
	// Success means the previous operation on this pool completed normally.
	Success ErrorKind = iota
	// InvalidArgument marks a bad argument. New reports a bad Config (not a
	// nonzero power-of-two MinBucketSize, a nil Provider, etc) with a plain
	// error that does not carry this kind; providers/mmap returns it from
	// Free for a pointer it did not hand out.
	InvalidArgument
	// OutOfHostMemory marks a provider allocation failure, or exhaustion of
	// whatever scratch memory the pool itself needs to track a new slab.
	OutOfHostMemory
	// NotSupported marks Calloc/Realloc, which this pool never implements.
	NotSupported
	// ProviderSpecific marks a provider failure outside the kinds above; the
	// pool passes it on exactly as the provider reported it.
	ProviderSpecific
)

func (k ErrorKind) String() string {
	switch k {
	case Success:
		return "success"
	case InvalidArgument:
		return "invalid_argument"
	case OutOfHostMemory:
		return "out_of_host_memory"
	case NotSupported:
		return "not_supported"
	case ProviderSpecific:
		return "provider_specific"
	default:
		return "unknown"
	}
}

// providerError is the error Pool.Free returns when the Provider fails to
// release a pointer. It carries the provider's ErrorKind in its text, and
// errors.Cause yields a github.com/pkg/errors message naming the failed
// call. The kind is not recorded for LastAllocationError.
type providerError struct {
	kind  ErrorKind
	cause error
}

func (e *providerError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *providerError) Cause() error { return e.cause }

func wrapProviderErr(kind ErrorKind, format string, args ...interface{}) error {
	return &providerError{kind: kind, cause: errors.Errorf(format, args...)}
}
