package async

import "looprpc/status"

// AwaitAll drives the loop until every armed handle is terminal and returns
// how many completed with OK. Idle and freed handles are skipped.
func AwaitAll(handles ...*Handle) int {
	for _, h := range handles {
		if h.state == Pending {
			h.Await()
		}
	}

	ok := 0
	for _, h := range handles {
		if h.state == Ready && h.result.Code == status.OK {
			ok++
		}
	}
	return ok
}

// AwaitAny drives the loop until at least one handle is terminal and returns
// the lowest index among terminal handles, or -1 if none can complete.
func AwaitAny(handles ...*Handle) int {
	if len(handles) == 0 {
		return -1
	}
	loop := handles[0].loop

	first := -1
	done := func() bool {
		waiting := false
		for i, h := range handles {
			if h.state.Terminal() {
				first = i
				return true
			}
			if h.state == Pending {
				waiting = true
			}
		}
		return !waiting
	}
	loop.RunUntil(done)
	return first
}
