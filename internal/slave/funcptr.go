package slave

import "reflect"

// funcPointer returns the code pointer backing a func value, used only to
// give EventCallback registrations the same "same function value" equality
// the original's raw C function pointers had. It cannot distinguish two
// distinct closures created from the same function literal; callers that
// need to Del a specific registration should keep and reuse the exact
// EventCallback value they passed to Add.
func funcPointer(f EventCallback) uintptr {
	if f == nil {
		return 0
	}
	return reflect.ValueOf(f).Pointer()
}
