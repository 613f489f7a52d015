package util

import (
	"fmt"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxStacksize = 8 * 1024

var panicTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "quarry",
	Name:      "panic_total",
	Help:      "The total number of panic triggered",
})

func panicError(p interface{}) error {
	stack := make([]byte, maxStacksize)
	stack = stack[:runtime.Stack(stack, true)]
	// keep a multiline stack
	fmt.Fprintf(os.Stderr, "panic: %v\n%s", p, stack)
	panicTotal.Inc()
	return fmt.Errorf("%v", p)
}

// Recover runs f and swallows any panic it raises: a panicking task must
// not take down its siblings or the worker running it.
func Recover(f func()) {
	defer func() {
		if p := recover(); p != nil {
			_ = panicError(p)
		}
	}()
	f()
}
