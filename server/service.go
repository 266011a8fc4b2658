package server

import (
	"fmt"
	"reflect"

	"looprpc/status"
)

// RegisterService registers every exported method of rcvr with the signature
//
//	func (T) Name(payload []byte) ([]byte, error)
//
// under "TypeName.Name", the naming generated service stubs use. A method's
// error is replied with its status code, Internal for plain errors.
func (s *Server) RegisterService(rcvr any, userCtx any) ([]string, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, status.Errorf(status.InvalidArgument, "service receiver must point to a struct, got %T", rcvr)
	}
	val := reflect.ValueOf(rcvr)
	serviceName := typ.Elem().Name()

	var names []string
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !isServiceMethod(m.Type) {
			continue
		}
		fn := val.Method(i).Interface().(func([]byte) ([]byte, error))
		name := serviceName + "." + m.Name
		if err := s.Register(name, serviceHandler(fn), userCtx); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, status.Errorf(status.InvalidArgument, "%s has no methods of type func([]byte) ([]byte, error)", serviceName)
	}
	return names, nil
}

var (
	bytesType = reflect.TypeOf([]byte(nil))
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

// isServiceMethod checks (receiver, []byte) → ([]byte, error).
func isServiceMethod(t reflect.Type) bool {
	return t.NumIn() == 2 && t.NumOut() == 2 &&
		t.In(1) == bytesType && t.Out(0) == bytesType && t.Out(1) == errorType
}

func serviceHandler(fn func([]byte) ([]byte, error)) Handler {
	return func(req *Request) {
		out, err := fn(req.Payload)
		if req.Notification {
			return
		}
		if err != nil {
			req.Reply(status.FromError(err), []byte(fmt.Sprint(err)))
			return
		}
		req.Reply(status.OK, out)
	}
}
