package httpapi

import (
	"database/sql"
	"net/http"
)

// RouteRegistrar adds a feature's routes to the mux.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

func NewMux(db *sql.DB, features ...RouteRegistrar) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db)
	for _, f := range features {
		f.RegisterRoutes(mux)
	}
	return mux
}
