package replaycache_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	replaycache "github.com/always-cache/replay-cache"
	"github.com/always-cache/replay-cache/cache"

	"github.com/rs/zerolog"
)

func Example() {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "expensive answer")
	}))
	defer api.Close()

	dir, _ := os.MkdirTemp("", "replay-cache")
	defer os.RemoveAll(dir)
	db, err := cache.NewSQLiteCache(filepath.Join(dir, "cache.sqlite"))
	if err != nil {
		panic(err)
	}
	defer db.Close()

	logger := zerolog.Nop()
	handler, err := replaycache.CreateCache(replaycache.Config{Cache: db, Logger: &logger})
	if err != nil {
		panic(err)
	}
	proxy := replaycache.NewProxy(replaycache.ProxyOptions{
		Launcher: replaycache.ServerLauncher{Handler: replaycache.NewRouter(handler, logger, nil)},
		Logger:   &logger,
	})
	defer proxy.Close()

	client, err := proxy.HookClient(context.Background(), http.DefaultClient)
	if err != nil {
		panic(err)
	}
	for i := 0; i < 2; i++ {
		res, err := client.Get(api.URL + "/answer")
		if err != nil {
			panic(err)
		}
		b, _ := io.ReadAll(res.Body)
		res.Body.Close()
		fmt.Println(string(b))
	}
	n, _ := db.Len()
	fmt.Println("entries:", n)
	// Output:
	// expensive answer
	// expensive answer
	// entries: 1
}
