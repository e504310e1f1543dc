package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/libmapper/libmapper"
	"github.com/libmapper/libmapper/value"
)

type propView struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type objectView struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Name   string     `json:"name,omitempty"`
	Local  bool       `json:"local"`
	Status string     `json:"status"`
	Props  []propView `json:"props,omitempty"`
}

func typeName(t value.Type) string {
	switch {
	case t == libmapper.TypeDevice:
		return "device"
	case t&libmapper.TypeSignal != 0:
		return "signal"
	case t&libmapper.TypeMap != 0:
		return "map"
	}
	return t.String()
}

func objectName(obj libmapper.Object) string {
	switch o := obj.(type) {
	case *libmapper.Device:
		return o.Name()
	case *libmapper.Signal:
		return o.Path()
	case *libmapper.Map:
		var srcs []string
		for _, s := range o.Sources() {
			srcs = append(srcs, s.Path())
		}
		dst := ""
		if d := o.Destination(); d != nil {
			dst = d.Path()
		}
		return strings.Join(srcs, ",") + " -> " + dst
	}
	return ""
}

func summary(obj libmapper.Object) string {
	return fmt.Sprintf("%016x\t%s\t%s\t%s", obj.ID(), typeName(obj.Type()), obj.Status(), objectName(obj))
}

// properties lists the portable properties, staged values included.
func properties(obj libmapper.Object) (ps []propView) {
	n := obj.NumProperties(true)
	for i := 0; i < n; i++ {
		rec, ok := obj.GetIndex(i)
		if !ok || rec.Value.Type() == value.Pointer {
			continue
		}
		ps = append(ps, propView{Key: rec.Key, Value: rec.Value.String()})
	}
	return
}

func view(obj libmapper.Object, full bool) objectView {
	v := objectView{
		ID:     strconv.FormatUint(obj.ID(), 16),
		Type:   typeName(obj.Type()),
		Name:   objectName(obj),
		Local:  obj.IsLocal(),
		Status: obj.Status().String(),
	}
	if full {
		v.Props = properties(obj)
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func AddCorsHeaders(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		f(w, req)
	}
}

func ListHandler(list func() *libmapper.List) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		out := []objectView{}
		for obj := range list().All() {
			out = append(out, view(obj, req.URL.Query().Has("props")))
		}
		writeJSON(w, out)
	}
}

func ObjectHandler(rt *runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseUint(req.PathValue("id"), 16, 64)
		if err != nil {
			http.Error(w, "bad object id", http.StatusBadRequest)
			return
		}
		obj, ok := rt.graph.Object(id)
		if !ok {
			http.Error(w, ErrNoSuchThing.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, view(obj, true))
	}
}

// AddressHandler feeds the posted address to fn, as listen or connect.
func AddressHandler(fn func(addr string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, 1024))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		addr := strings.TrimSpace(string(body))
		if addr == "" {
			http.Error(w, "address required", http.StatusUnprocessableEntity)
			return
		}
		if err := fn(addr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ValueHandler sets a signal value from a JSON array of numbers:
// POST /signals/{device}/{signal}?instance=N.
func ValueHandler(rt *runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s, ok := rt.graph.SignalByPath(req.PathValue("device") + "/" + req.PathValue("signal"))
		if !ok {
			http.Error(w, ErrNoSuchThing.Error(), http.StatusNotFound)
			return
		}
		var inst uint64
		if q := req.URL.Query().Get("instance"); q != "" {
			var err error
			if inst, err = strconv.ParseUint(q, 10, 64); err != nil {
				http.Error(w, "bad instance", http.StatusBadRequest)
				return
			}
		}
		var fs []float64
		if err := json.NewDecoder(io.LimitReader(req.Body, 1<<16)).Decode(&fs); err != nil || len(fs) == 0 {
			http.Error(w, "body must be a non-empty array of numbers", http.StatusUnprocessableEntity)
			return
		}
		if err := s.SetValue(inst, value.Float64s(fs...)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (rt *runtime) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /devices", AddCorsHeaders(ListHandler(rt.graph.Devices)))
	mux.HandleFunc("GET /signals", AddCorsHeaders(ListHandler(rt.graph.Signals)))
	mux.HandleFunc("GET /maps", AddCorsHeaders(ListHandler(rt.graph.Maps)))
	mux.HandleFunc("GET /objects/{id}", AddCorsHeaders(ObjectHandler(rt)))
	mux.HandleFunc("POST /signals/{device}/{signal}", AddCorsHeaders(ValueHandler(rt)))
	mux.HandleFunc("POST /listen", AddCorsHeaders(AddressHandler(rt.listen)))
	mux.HandleFunc("POST /connect", AddCorsHeaders(AddressHandler(rt.connect)))
}
