package db

import "strings"

// PathRef is a slash-separated path implementation of Ref, shared by the
// memdb and redisdb backends.
type PathRef struct {
	segments []string
}

// NewPathRef builds a PathRef from a slash-separated path, e.g. "tasks".
func NewPathRef(path string) PathRef {
	path = strings.Trim(path, "/")
	if path == "" {
		return PathRef{}
	}
	return PathRef{segments: strings.Split(path, "/")}
}

func (r PathRef) Key() string {
	if len(r.segments) == 0 {
		return ""
	}
	return r.segments[len(r.segments)-1]
}

func (r PathRef) Path() string { return strings.Join(r.segments, "/") }

func (r PathRef) Child(id string) Ref {
	next := make([]string, len(r.segments)+1)
	copy(next, r.segments)
	next[len(r.segments)] = id
	return PathRef{segments: next}
}

func (r PathRef) Parent() Ref {
	if len(r.segments) == 0 {
		return nil
	}
	return PathRef{segments: r.segments[:len(r.segments)-1]}
}
