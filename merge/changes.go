package merge

// Changes folds a queue of changes left to right over existing. When the
// last change is an array it is the whole result. When no change is an
// object the last change wins. Otherwise the fold starts from existing, or
// from an empty object when existing is null.
func Changes(existing any, changes []any, opts Options) Result {
	queue := make([]any, 0, len(changes))
	for _, c := range changes {
		if !IsUndefined(c) {
			queue = append(queue, c)
		}
	}
	if len(queue) == 0 {
		return Result{Value: existing}
	}

	last := queue[len(queue)-1]
	if _, ok := last.([]any); ok {
		return Result{Value: last}
	}

	hasObject := false
	for _, c := range queue {
		if _, ok := c.(map[string]any); ok {
			hasObject = true
			break
		}
	}
	if !hasObject {
		return Result{Value: last}
	}

	acc := existing
	if acc == nil || IsUndefined(acc) {
		acc = map[string]any{}
	}
	for _, c := range queue {
		acc = mergeValue(acc, c, opts)
	}
	if opts.Mode == ModeMark {
		return Result{Value: acc, ReplacePatches: CollectReplacePatches(acc)}
	}
	return Result{Value: acc}
}

// MarkChanges composes queued patches into one batch, keeping nulls for the
// backend and tagging objects written over a null.
func MarkChanges(changes []any) Result {
	return Changes(nil, changes, Options{Mode: ModeMark})
}

// ApplyBatch applies a composed batch to the authoritative value: marked
// subtrees replace their destination and nulls are removed.
func ApplyBatch(existing, batch any) Result {
	return Changes(existing, []any{batch}, Options{RemoveNestedNulls: true, Mode: ModeReplace})
}
