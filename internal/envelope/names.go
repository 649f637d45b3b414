package envelope

import "bytes"

// CoordinatorName is the local name every coordinator listens to.
var CoordinatorName = []byte("COORDINATOR")

// FullName is a name split into its namespace and local part.
type FullName struct {
	Namespace []byte
	Name      []byte
}

// SplitName splits a full name at its rightmost dot. A name without a dot
// belongs to the given default namespace.
func SplitName(name, defaultNamespace []byte) FullName {
	if i := bytes.LastIndexByte(name, '.'); i >= 0 {
		return FullName{Namespace: name[:i], Name: name[i+1:]}
	}
	return FullName{Namespace: defaultNamespace, Name: name}
}

// JoinName assembles "namespace.name". An empty namespace yields the bare
// local name.
func JoinName(namespace, name []byte) []byte {
	if len(namespace) == 0 {
		return name
	}
	joined := make([]byte, 0, len(namespace)+1+len(name))
	joined = append(joined, namespace...)
	joined = append(joined, '.')
	return append(joined, name...)
}

// CoordinatorFor returns the full name of the coordinator of a namespace.
func CoordinatorFor(namespace []byte) []byte {
	return JoinName(namespace, CoordinatorName)
}
