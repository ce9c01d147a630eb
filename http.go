/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/julienschmidt/httprouter"

	"github.com/dwarfhack/memlayout/catalog"
)

type server struct {
	path   string
	store  *catalog.Store
	router *httprouter.Router
}

func newServer(path string) (*server, error) {
	c, err := catalog.Load(path)
	if err != nil {
		return nil, err
	}
	s := &server{path: path, store: catalog.NewStore(c)}
	s.router = httprouter.New()
	s.router.GET("/v1/entries", s.serveEntries)
	s.router.GET("/v1/entries/:id", s.serveEntry)
	s.router.GET("/v1/entries/:id/offsets", s.serveOffsets)
	s.router.POST("/v1/reload", s.serveReload)
	return s, nil
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Debugf("%v %v", req.Method, req.URL)

	s.router.ServeHTTP(w, req)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{
		Error: msg,
	})
}

func (s *server) serveEntries(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, listCatalog(s.path, s.store.Catalog()))
}

func (s *server) serveEntry(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	dump, err := dumpEntry(s.store.Catalog(), ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dump)
}

func (s *server) serveOffsets(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d, ok := s.store.Catalog().Lookup(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	w.Header().Set("content-type", "text/plain")
	w.Write([]byte(d.PrintOffsets()))
}

func (s *server) serveReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.store.Reload(s.path); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listCatalog(s.path, s.store.Catalog()))
}

// serve runs the diagnostic server until ctx is done.
func serve(ctx context.Context, addr, path string) error {
	s, err := newServer(path)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Infof("serving %s on %s", path, addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}
