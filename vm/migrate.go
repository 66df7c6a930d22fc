package vm

import (
	"sort"

	"github.com/pkg/errors"
)

// MigrateLocals reconciles a persisted local-variable layout and its
// backing byte buffer against a freshly re-evaluated MetaVars table
// (§4.4 Local-Variable Migration). It is a standalone step between two
// top-level invocations; neither the dispatch loop nor the pry session
// calls it. After a re-evaluation a previously-Mixed local's union may
// have widened to admit a branch that wasn't exercised before, so the
// old buffer has to be relaid-out without losing live values.
//
// Variable names are sorted for deterministic offset assignment, so the
// new layout is in name order whatever order the old layout used; each
// surviving local's bytes are carried to its new offset, and a name that
// appears only in the new table gets a zeroed slot in whatever position
// its name sorts to.
func MigrateLocals(ctx Context, oldLayout LocalVarLayout, oldData []byte, newMeta MetaVars) (LocalVarLayout, []byte, error) {
	names := make([]string, 0, len(newMeta))
	for name := range newMeta {
		names = append(names, name)
	}
	sort.Strings(names)

	newLayout := LocalVarLayout{Vars: make([]LocalVar, 0, len(names))}
	offset := 0
	for _, name := range names {
		t := newMeta[name]
		size := ctx.AlignedSizeof(t)
		newLayout.Vars = append(newLayout.Vars, LocalVar{
			Name:        name,
			Type:        t,
			Offset:      offset,
			AlignedSize: size,
		})
		offset = ctx.Align(offset + size)
	}
	newLayout.MaxBytesize = offset

	newData := make([]byte, newLayout.MaxBytesize)
	for i, nv := range newLayout.Vars {
		old, found := oldLayout.byName(nv.Name)
		if !found {
			continue // first appearance of this local - leave zeroed
		}

		oldBytes := oldData[old.Offset : old.Offset+old.AlignedSize]
		dst := newData[nv.Offset : nv.Offset+nv.AlignedSize]

		if old.Type == nv.Type {
			copy(dst, oldBytes)
			continue
		}

		if err := migrateOne(ctx, old, oldBytes, nv, dst); err != nil {
			return LocalVarLayout{}, nil, errors.Wrapf(err, "migrating local %q", nv.Name)
		}
		newLayout.Vars[i] = nv
	}

	return newLayout, newData, nil
}

// migrateOne dispatches a single local's old-type-to-new-type transition
// through the widening table (§4.4). Anything not named in the table is
// a fatal migration failure - there is no silent truncation of a value
// the REPL already computed.
func migrateOne(ctx Context, old LocalVar, oldBytes []byte, nv LocalVar, dst []byte) error {
	oldInfo, ok := ctx.TypeInfo(old.Type)
	if !ok {
		return wrapFatal("migrate", ErrMigrationUnhandled)
	}
	newInfo, ok := ctx.TypeInfo(nv.Type)
	if !ok {
		return wrapFatal("migrate", ErrMigrationUnhandled)
	}

	switch {
	case newInfo.Kind == KindMixedUnion && oldInfo.Kind != KindMixedUnion:
		return widenToUnion(old.Type, oldInfo, oldBytes, newInfo, dst)

	case oldInfo.Kind == KindMixedUnion && newInfo.Kind == KindMixedUnion:
		return widenUnionToUnion(oldInfo, oldBytes, newInfo, dst)

	default:
		return wrapFatal("migrate", ErrTypeChanged)
	}
}

// widenToUnion handles a non-union local being folded into a Mixed union
// slot: the old static type becomes the tag, and the old bytes become
// the payload (§4.4 widening table, rows 1-2).
func widenToUnion(oldType TypeID, oldInfo TypeInfo, oldBytes []byte, newInfo TypeInfo, dst []byte) error {
	switch oldInfo.Kind {
	case KindReference, KindNilableReference, KindVirtual:
		// A reference-kind local is always pointer-sized regardless of
		// its static type; resolving a non-nil referent's exact dynamic
		// type is the type checker's job; this core only ever needs to
		// carry the static type id forward as the tag; a nil pointer
		// widens with a zeroed payload automatically since dst starts
		// zeroed.
		if newInfo.PayloadSize < 8 {
			return wrapFatal("migrate", ErrMigrationUnhandled)
		}
		Uint64ToBytes(uint64(oldType), dst[:TagBytes])
		copy(dst[TagBytes:TagBytes+8], oldBytes[:8])
		return nil

	default:
		if newInfo.PayloadSize < oldInfo.AlignedSize {
			return wrapFatal("migrate", ErrMigrationUnhandled)
		}
		Uint64ToBytes(uint64(oldType), dst[:TagBytes])
		copy(dst[TagBytes:TagBytes+oldInfo.AlignedSize], oldBytes)
		return nil
	}
}

// widenUnionToUnion handles a Mixed union local whose slot itself needs
// to grow to admit a wider member set, plus the same-aligned-size case
// where only the member set widened and the stored bytes are already
// valid as-is (§5 supplemented case).
func widenUnionToUnion(oldInfo TypeInfo, oldBytes []byte, newInfo TypeInfo, dst []byte) error {
	if newInfo.AlignedSize == oldInfo.AlignedSize {
		copy(dst, oldBytes)
		return nil
	}
	if newInfo.PayloadSize < oldInfo.PayloadSize {
		return wrapFatal("migrate", ErrMigrationUnhandled)
	}
	copy(dst[:TagBytes], oldBytes[:TagBytes])
	copy(dst[TagBytes:TagBytes+oldInfo.PayloadSize], oldBytes[TagBytes:TagBytes+oldInfo.PayloadSize])
	return nil
}
