package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/cobrain-app/sync/cosync"
)

const SynctlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sync server control.

Usage:
    synctl probe --url=<url> [--token=<token>] [--jwt_secret=<secret>]
        [--user_id=<user_id>] [--device=<device>]
    synctl token --user_id=<user_id> [--jwt_secret=<secret>]

Options:
    -h --help               Show this screen.
    --version               Show version.
    --url=<url>             Sync endpoint, e.g. ws://localhost:8090/sync.
    --token=<token>         Auth token. Minted from the secret when omitted.
    --jwt_secret=<secret>   HS256 secret. Prompted for when needed and omitted.
    --user_id=<user_id>     User to mint a token for.
    --device=<device>       Device name to present [default: synctl].`

	flag.Set("logtostderr", "true")

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SynctlVersion)
	if err != nil {
		panic(err)
	}

	if probe_, _ := opts.Bool("probe"); probe_ {
		probe(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		Out.Printf("%s\n", mintToken(opts))
	}
}

func readSecret(opts docopt.Opts) string {
	if secretAny := opts["--jwt_secret"]; secretAny != nil {
		return secretAny.(string)
	}
	fmt.Print("Enter jwt secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(secretBytes)
}

func mintToken(opts docopt.Opts) string {
	userId, _ := opts.String("--user_id")
	if userId == "" {
		Err.Fatal("--user_id is required to mint a token")
	}
	token, err := cosync.MintJwt([]byte(readSecret(opts)), userId)
	if err != nil {
		Err.Fatalf("mint error: %s", err)
	}
	return token
}

func probe(opts docopt.Opts) {
	url, _ := opts.String("--url")
	device, _ := opts.String("--device")

	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else {
		token = mintToken(opts)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// an empty change log makes the probe's sync an empty push (liveness
	// probe) followed by a pull of everything
	changeLog := cosync.NewMemoryChangeLog()
	client := cosync.NewSyncClientWithDefaults(cancelCtx, url, token, device, changeLog)
	defer client.Close()

	if err := client.Connect(); err != nil {
		Err.Fatalf("connect error: %s", err)
	}
	Out.Printf("connected as %s\n", client.UserId())

	result, err := client.Sync()
	if err != nil {
		Err.Fatalf("sync error: %s", err)
	}
	Out.Printf("server version: %s\n", client.ServerVersion())
	Out.Printf("pulled %d changes (local version %s)\n", result.Pulled, result.LocalVersion)
}
