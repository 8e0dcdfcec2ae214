package ummapio_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/hupe1980/ummapio"
	"github.com/hupe1980/ummapio/driver"
)

// Example_access demonstrates loads and stores on a paged mapping.
func Example_access() {
	ctx := context.Background()
	h := ummapio.New()
	defer h.Close(ctx)

	seg := int64(os.Getpagesize())
	d := driver.NewMemory(int(4 * seg))
	m, err := h.Map(4*seg, seg, d, ummapio.WithAutoCloseDriver(false))
	if err != nil {
		log.Fatal(err)
	}

	// Faults inside the function are resolved and the function reruns.
	if err := h.Access(func() {
		copy(m.Bytes()[seg:], "hello")
	}); err != nil {
		log.Fatal(err)
	}
	if err := h.Unmap(ctx, m.Addr(), true); err != nil {
		log.Fatal(err)
	}

	out := make([]byte, 5)
	if _, err := d.ReadAt(ctx, out, seg); err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
	// Output: hello
}

// Example_sharedPolicy demonstrates a budget shared by two mappings.
func Example_sharedPolicy() {
	ctx := context.Background()
	h := ummapio.New()
	defer h.Close(ctx)

	seg := int64(os.Getpagesize())
	p, err := h.BuildPolicy(fmt.Sprintf("fifo://%d", 2*seg))
	if err != nil {
		log.Fatal(err)
	}
	if err := h.RegisterPolicy("shared", p); err != nil {
		log.Fatal(err)
	}

	a, _ := h.Map(4*seg, seg, driver.NewDummy(1), ummapio.WithPolicyGroup("shared"))
	b, _ := h.Map(4*seg, seg, driver.NewDummy(2), ummapio.WithPolicyGroup("shared"))

	// Each Access reruns from the start, so its working set has to fit
	// the budget.
	var sum int
	for i := range int64(4) {
		var v int
		if err := h.Access(func() {
			v = int(a.Bytes()[i*seg]) + int(b.Bytes()[i*seg])
		}); err != nil {
			log.Fatal(err)
		}
		sum += v
	}
	fmt.Println(sum, p.CurrentMemory() == 2*seg)
	// Output: 12 true
}
