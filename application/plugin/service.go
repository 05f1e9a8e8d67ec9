package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// Service is embedded in service structs to provide metadata.
// Tag format: `name:"service_name" desc:"Service description"`
type Service struct{}

// Op is a field type for declaring operations.
// Tag format: `method:"Method" uri:"event.type" desc:"Operation description"`
// Without a uri tag the operation handles "<service>.<snake_case field>".
type Op struct{}

// Request is one event delivered to a handler. Payloads above the turn's
// event size cap arrive cut short with Event.Truncated set.
type Request struct {
	Turn  ports.TurnContext
	Event entities.Event
	// Index is the absolute timeline index of Event.
	Index  uint64
	Config entities.Config
	Host   entities.HostInfo
}

// Reply builds a JSON event answering the request's event.
func (r *Request) Reply(uri string, payload any) (entities.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return entities.Event{}, fmt.Errorf("failed to marshal %s payload: %w", uri, err)
	}
	return entities.Event{
		TypeURI:       uri,
		RefID:         r.Event.ID,
		Payload:       data,
		PayloadFormat: entities.FormatJSON,
	}, nil
}

// Decode unmarshals the event's JSON payload into v.
func (r *Request) Decode(v any) error {
	if r.Event.PayloadFormat != entities.FormatJSON {
		return fmt.Errorf("event %d payload is not JSON", r.Event.ID)
	}
	return json.Unmarshal(r.Event.Payload, v)
}

// HandlerFunc handles one event and returns the events to emit.
type HandlerFunc func(ctx context.Context, req *Request) ([]entities.Event, error)

// MustRegisterService registers a service or panics.
// Use this in init() functions.
func MustRegisterService(plugin *PluginDefinition, svc any) {
	if err := RegisterService(plugin, svc); err != nil {
		panic(fmt.Sprintf("failed to register service: %v", err))
	}
}

// RegisterService registers all operations from a service struct.
func RegisterService(plugin *PluginDefinition, svc any) error {
	svcType := reflect.TypeOf(svc)
	svcValue := reflect.ValueOf(svc)

	if svcType == nil || svcType.Kind() != reflect.Ptr || svcType.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("service must be a pointer to struct, got %T", svc)
	}

	structType := svcType.Elem()

	serviceName, serviceDesc, err := extractServiceMetadata(structType)
	if err != nil {
		return err
	}

	ops, err := extractOperations(structType)
	if err != nil {
		return err
	}

	for _, op := range ops {
		method := svcValue.MethodByName(op.methodName)
		if !method.IsValid() {
			return fmt.Errorf("service %s: no method %s for operation %s (field %s)",
				serviceName, op.methodName, op.name, op.fieldName)
		}

		handler, err := wrapMethod(method)
		if err != nil {
			return fmt.Errorf("service %s, operation %s: %w", serviceName, op.name, err)
		}

		uri := op.uri
		if uri == "" {
			uri = serviceName + "." + op.name
		}
		if err := plugin.RegisterHandler(serviceName, serviceDesc, op.name, op.description, uri, handler); err != nil {
			return fmt.Errorf("service %s: %w", serviceName, err)
		}
	}

	return nil
}

// extractServiceMetadata finds the embedded Service field and parses its tags.
func extractServiceMetadata(t reflect.Type) (name, desc string, err error) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Type == reflect.TypeOf(Service{}) {
			name = field.Tag.Get("name")
			desc = field.Tag.Get("desc")
			if name == "" {
				return "", "", fmt.Errorf("Service field missing 'name' tag")
			}
			return name, desc, nil
		}
	}
	return "", "", fmt.Errorf("struct must embed plugin.Service")
}

type opInfo struct {
	fieldName   string
	methodName  string
	name        string // snake_case field name
	uri         string
	description string
}

// extractOperations finds all Op fields and extracts their metadata.
func extractOperations(t reflect.Type) ([]opInfo, error) {
	var ops []opInfo

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Type != reflect.TypeOf(Op{}) {
			continue
		}
		// A method cannot share the field's name, so the tag is expected
		// in practice.
		methodName := field.Tag.Get("method")
		if methodName == "" {
			methodName = field.Name
		}
		ops = append(ops, opInfo{
			fieldName:   field.Name,
			methodName:  methodName,
			name:        toSnakeCase(field.Name),
			uri:         field.Tag.Get("uri"),
			description: field.Tag.Get("desc"),
		})
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("service has no operations (no Op fields)")
	}
	return ops, nil
}

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	reqType    = reflect.TypeOf((*Request)(nil))
	eventsType = reflect.TypeOf([]entities.Event(nil))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// wrapMethod wraps a reflected method as a HandlerFunc.
func wrapMethod(method reflect.Value) (HandlerFunc, error) {
	methodType := method.Type()

	if methodType.NumIn() != 2 || methodType.NumOut() != 2 {
		return nil, fmt.Errorf("method must have signature (context.Context, *Request) ([]entities.Event, error)")
	}
	if !methodType.In(0).Implements(ctxType) {
		return nil, fmt.Errorf("first parameter must be context.Context")
	}
	if methodType.In(1) != reqType {
		return nil, fmt.Errorf("second parameter must be *plugin.Request")
	}
	if methodType.Out(0) != eventsType {
		return nil, fmt.Errorf("first return value must be []entities.Event")
	}
	if !methodType.Out(1).Implements(errorType) {
		return nil, fmt.Errorf("second return value must be error")
	}

	return func(ctx context.Context, req *Request) ([]entities.Event, error) {
		results := method.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(req)})

		events, _ := results[0].Interface().([]entities.Event)
		var err error
		if !results[1].IsNil() {
			err = results[1].Interface().(error)
		}
		return events, err
	}, nil
}

var (
	matchFirstCap = regexp.MustCompile("(.)([A-Z][a-z]+)")
	matchAllCap   = regexp.MustCompile("([a-z0-9])([A-Z])")
)

// toSnakeCase converts PascalCase to snake_case.
func toSnakeCase(str string) string {
	snake := matchFirstCap.ReplaceAllString(str, "${1}_${2}")
	snake = matchAllCap.ReplaceAllString(snake, "${1}_${2}")
	return strings.ToLower(snake)
}
