// Package restapi surfaces the command core and the order saga over HTTP.
// Handlers register themselves in a verb/path map; Server mounts the map onto
// a gin router together with the correlation-id middleware, the health probe
// and the metrics endpoint.
package restapi

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

type HTTPVerb int

const (
	Unknown HTTPVerb = iota
	GET
	GET_ONE
	DELETE
	POST
	PUT
	PATCH
)

type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler func(c *gin.Context)
}

type methodRegistry struct {
	methods map[string]RestMethod
	order   []string
}

func newMethodRegistry() *methodRegistry {
	return &methodRegistry{methods: make(map[string]RestMethod)}
}

// RegisterMethod is a helper function for Register.
func (r *methodRegistry) RegisterMethod(verb HTTPVerb, path string, h func(c *gin.Context)) error {
	m := RestMethod{
		Verb:    verb,
		Path:    path,
		Handler: h,
	}
	return r.Register(m)
}

// Register a REST method; duplicate verb/path pairs are rejected.
func (r *methodRegistry) Register(m RestMethod) error {
	key := fmt.Sprintf("%d_%s", m.Verb, m.Path)
	if _, exists := r.methods[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	r.methods[key] = m
	r.order = append(r.order, key)
	return nil
}

// mount attaches every registered method to the router group.
func (r *methodRegistry) mount(group *gin.RouterGroup) {
	for _, key := range r.order {
		rm := r.methods[key]
		switch rm.Verb {
		case GET:
			fallthrough
		case GET_ONE:
			group.GET(rm.Path, rm.Handler)
		case DELETE:
			group.DELETE(rm.Path, rm.Handler)
		case POST:
			group.POST(rm.Path, rm.Handler)
		case PUT:
			group.PUT(rm.Path, rm.Handler)
		case PATCH:
			group.PATCH(rm.Path, rm.Handler)
		default:
			panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
		}
	}
}
