package meshrpc

// Vocabulary is the fixed set of operation names a kb_type (or the
// pseudo kb_type "agent") accepts. It is built once at package init and
// is the authoritative list the registry validates `operations` against
// at registration time (spec.md §4.2, §9 "static registry" design note).
var Vocabulary = map[string][]string{
	"postgres": {"sql_query", "execute_sql", "get_schema"},
	"neo4j":    {"cypher_query", "create_node", "create_relationship", "find_node"},
	"agent":    {"publish", "query", "subscribe", "invoke", "execute"},
}

// ValidOperations returns the allowed operation set for a kb_type, and
// whether that kb_type is known at all.
func ValidOperations(kbType string) ([]string, bool) {
	ops, ok := Vocabulary[kbType]
	return ops, ok
}

// ValidateOperations checks that every operation in ops is a member of
// the kb_type's vocabulary. Returns the first unknown operation found,
// or "" if all are valid.
func ValidateOperations(kbType string, ops []string) (unknown string, allowed []string, ok bool) {
	vocab, known := ValidOperations(kbType)
	if !known {
		return "", nil, false
	}
	allowedSet := make(map[string]bool, len(vocab))
	for _, v := range vocab {
		allowedSet[v] = true
	}
	for _, op := range ops {
		if !allowedSet[op] {
			return op, vocab, true
		}
	}
	return "", vocab, true
}
