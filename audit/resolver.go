package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/godamri/helix-auditer/pkg/contextx"
)

// AccessorFunc can be bound in place of a value; it is called at capture time.
type AccessorFunc func(ctx context.Context, entity Entity) any

// Resolve runs the two-tier accessor lookup: the caller context first, then
// the entity instance. Absent or nil at both tiers yields (nil, false).
func Resolve(ctx context.Context, name string, entity Entity) (any, bool) {
	if name == "" {
		return nil, false
	}
	if v, ok := contextx.Accessor(ctx, name); ok {
		if v = evaluate(ctx, v, entity); !isNil(v) {
			return v, true
		}
	}
	if acc, ok := entity.(Accessor); ok {
		if v, ok := acc.AuditAccessor(name); ok {
			if v = evaluate(ctx, v, entity); !isNil(v) {
				return v, true
			}
		}
	}
	return nil, false
}

func evaluate(ctx context.Context, v any, entity Entity) any {
	switch fn := v.(type) {
	case AccessorFunc:
		return fn(ctx, entity)
	case func(context.Context, Entity) any:
		return fn(ctx, entity)
	}
	return v
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// resolveRef resolves an actor or owner accessor into a Ref.
func resolveRef(ctx context.Context, name string, entity Entity) (*Ref, error) {
	v, ok := Resolve(ctx, name, entity)
	if !ok {
		return nil, nil
	}
	switch ref := v.(type) {
	case Ref:
		return &ref, nil
	case *Ref:
		cp := *ref
		return &cp, nil
	case Referencer:
		r := ref.AuditRef()
		return &r, nil
	}
	return nil, fmt.Errorf("%w: accessor %q returned %T", ErrInvalidReference, name, v)
}

// resolveInfo resolves the additional info accessor into a JSON object.
func resolveInfo(ctx context.Context, name string, entity Entity) (map[string]any, error) {
	v, ok := Resolve(ctx, name, entity)
	if !ok {
		return nil, nil
	}
	switch info := v.(type) {
	case map[string]any:
		return info, nil
	case map[string]string:
		out := make(map[string]any, len(info))
		for k, s := range info {
			out[k] = s
		}
		return out, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: accessor %q: %v", ErrInvalidAdditionalInfo, name, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: accessor %q returned %T, want an object", ErrInvalidAdditionalInfo, name, v)
	}
	return out, nil
}
