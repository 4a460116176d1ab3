// Package clock provides an injectable time source with a deterministic fake
// for tests. The scheduling loop, backoff calculators, and kill-and-wait
// logic all take a Clock instead of calling time.Now directly.
package clock
