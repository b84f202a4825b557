package stream

type ResultKind int

const (
	KindOk ResultKind = iota
	KindErr
	KindDone
)

func (k ResultKind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindErr:
		return "err"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// Result is one value flowing out of Merge. Exactly one of Value (KindOk)
// or Err (KindErr) is meaningful; KindDone carries neither.
type Result[T any] struct {
	Kind  ResultKind
	Value T
	Err   error
}

func Ok[T any](value T) Result[T] {
	return Result[T]{Kind: KindOk, Value: value}
}

func Err[T any](err error) Result[T] {
	return Result[T]{Kind: KindErr, Err: err}
}

func Done[T any]() Result[T] {
	return Result[T]{Kind: KindDone}
}
