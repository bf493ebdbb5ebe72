package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/felixge/httpsnoop"
	"github.com/golang/glog"
	"golang.org/x/term"

	"github.com/cobrain-app/sync/cosync"
)

const SyncdVersion = "0.1.0"

func main() {
	usage := `CoBrain sync server.

Usage:
    syncd serve [--host=<host>] [--port=<port>] [--db=<db_path>]
        [--jwt_secret=<secret>] [--max_conn=<n>]

Options:
    -h --help               Show this screen.
    --version               Show version.
    --host=<host>           Listen host [default: 0.0.0.0].
    -p --port=<port>        Listen port [default: 8090].
    --db=<db_path>          Sqlite change store path. Uses the in-memory store when omitted.
    --jwt_secret=<secret>   HS256 secret for the reference authenticator. Prompted for when omitted.
    --max_conn=<n>          Max simultaneous sessions per user [default: 10].`

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncdVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	host, _ := opts.String("--host")
	port, _ := opts.Int("--port")
	maxConn, _ := opts.Int("--max_conn")

	var secret string
	if secretAny := opts["--jwt_secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		fmt.Print("Enter jwt secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
		fmt.Printf("\n")
	}

	cancelCtx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer cancel()

	var store cosync.ChangeStore
	if dbPathAny := opts["--db"]; dbPathAny != nil {
		sqliteStore, err := cosync.NewSqliteChangeStore(dbPathAny.(string))
		if err != nil {
			panic(err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
		glog.Infof("[syncd]sqlite store %s\n", dbPathAny.(string))
	} else {
		store = cosync.NewMemoryChangeStore()
		glog.Infof("[syncd]in-memory store\n")
	}

	settings := cosync.DefaultSyncServerSettings()
	settings.Host = host
	settings.Port = port
	settings.MaxConnectionsPerUser = maxConn

	server := cosync.NewSyncServer(
		cancelCtx,
		store,
		cosync.NewJwtAuthenticate([]byte(secret)),
		settings,
	)

	router := server.Router()
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			glog.V(1).Infof("[syncd]%s %s %d (%s)\n", r.Method, r.URL, m.Code, m.Duration)
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: router,
	}

	go func() {
		<-cancelCtx.Done()

		// close live sessions with the shutdown code before the listener
		server.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("syncd %s on %s:%d\n", SyncdVersion, host, port)
	err := httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("[syncd]serve error = %s\n", err)
		os.Exit(1)
	}
}
