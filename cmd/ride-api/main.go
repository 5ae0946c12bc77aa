package main

import (
	"context"
	"errors"
	"net/http"
)

func main() {
	a := mustBootstrapRideAPI()
	defer a.Close()

	if err := a.Run(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}
