// A http.Handler that matches regex routes with path captures. The route
// table is small enough that a linear scan per request is fine.
package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
)

type route struct {
	pattern *regexp.Regexp
	methods []string
	handler http.Handler
}

type router struct {
	routes []*route
}

// Handle registers handler for requests whose path matches pattern and
// whose method is one of methods. Routes are tried in registration order.
func (h *router) Handle(pattern *regexp.Regexp, methods []string, handler http.Handler) {
	h.routes = append(h.routes, &route{
		pattern: pattern,
		methods: methods,
		handler: handler,
	})
}

func (h *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := strings.ToUpper(r.Method)
	for _, rt := range h.routes {
		if !rt.pattern.MatchString(r.URL.Path) {
			continue
		}
		for _, m := range rt.methods {
			if m == method {
				rt.handler.ServeHTTP(w, r)
				return
			}
		}
		if method == "OPTIONS" {
			w.Header().Set("Allow", strings.Join(append(rt.methods, "OPTIONS"), ", "))
		} else {
			w.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(w).Encode(new405(r))
		}
		return
	}
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(new404(r))
}
