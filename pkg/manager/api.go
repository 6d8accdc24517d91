package manager

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// Api serves read-only run status while a run is in progress.
type Api struct {
	Address string
	Manager *Manager
	Router  *chi.Mux
}

func (a *Api) initRouter() {
	a.Router = chi.NewRouter()
	a.Router.Get("/run", a.GetRunHandler)
	a.Router.Get("/nodes", a.GetNodesHandler)
	a.Router.Get("/processes", a.GetProcessesHandler)
	a.Router.Get("/processes/{name}", a.GetProcessHandler)
	a.Router.Get("/warnings", a.GetWarningsHandler)
}

// Serve listens on Address until ctx is done.
func (a *Api) Serve(ctx context.Context) error {
	a.initRouter()
	srv := &http.Server{
		Addr:              a.Address,
		Handler:           a.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	a.Manager.Log.Info("status api listening", zap.String("addr", a.Address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
