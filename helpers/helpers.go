package helpers

import (
	"encoding/json"
	"strconv"
	"sync"
)

// IntToString converts int64 to string.
func IntToString(i int64) string {
	return strconv.FormatInt(i, 10)
}

// ToJsonString converts any value to JSON string.
func ToJsonString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// WhenAll returns a channel that is closed once every input channel has
// delivered a value or has been closed.
func WhenAll(chs ...<-chan struct{}) <-chan struct{} {
	resCh := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(len(chs))
	for _, ch := range chs {
		go func() {
			defer wg.Done()
			<-ch
		}()
	}

	go func() {
		wg.Wait()
		close(resCh)
	}()

	return resCh
}
