package classpath

import "fmt"

// FeatureKind identifies a classpath capability. The set is closed; the
// classpath switches over it when wiring itself. The zero value is no
// capability.
type FeatureKind int

const (
	// ClassCache keeps resolved classes and built graphs in LRU caches.
	ClassCache FeatureKind = iota + 1
	// SourceMetadata decodes SourceFile, Signature and Deprecated
	// attributes onto resolved classes.
	SourceMetadata
	// MethodInstructions enables instruction and block graphs.
	MethodInstructions
	// Hierarchy enables subclass and override queries. It needs the
	// hierarchy indexing feature installed in the database.
	Hierarchy
	// Usages enables persisted usage queries. It needs the usages indexing
	// feature installed in the database.
	Usages
)

func (k FeatureKind) String() string {
	switch k {
	case ClassCache:
		return "class_cache"
	case SourceMetadata:
		return "source_metadata"
	case MethodInstructions:
		return "method_instructions"
	case Hierarchy:
		return "hierarchy"
	case Usages:
		return "usages"
	}
	return fmt.Sprintf("feature(%d)", int(k))
}

// Default cache sizes.
const (
	DefaultClassCacheSize = 10_000
	DefaultGraphCacheSize = 1_000
)

// Feature is one entry of a classpath's capability table.
type Feature struct {
	Kind FeatureKind
	// Classes and Graphs size the caches of a ClassCache feature.
	Classes int
	Graphs  int
}

// Cache returns a ClassCache feature. Non-positive sizes select the defaults.
func Cache(classes, graphs int) Feature {
	if classes <= 0 {
		classes = DefaultClassCacheSize
	}
	if graphs <= 0 {
		graphs = DefaultGraphCacheSize
	}
	return Feature{Kind: ClassCache, Classes: classes, Graphs: graphs}
}

// Of returns a feature of the given kind with default settings.
func Of(kind FeatureKind) Feature {
	if kind == ClassCache {
		return Cache(0, 0)
	}
	return Feature{Kind: kind}
}

// WithBuiltins appends the built-in features to fs. The default cache is
// only appended when fs brings no cache of its own. Duplicate kinds keep
// their first occurrence.
func WithBuiltins(fs []Feature, defaultCache Feature) []Feature {
	var out []Feature
	seen := map[FeatureKind]bool{}
	add := func(f Feature) {
		if !seen[f.Kind] {
			seen[f.Kind] = true
			out = append(out, f)
		}
	}
	for _, f := range fs {
		add(f)
	}
	add(defaultCache)
	add(Of(SourceMetadata))
	add(Of(MethodInstructions))
	return out
}
