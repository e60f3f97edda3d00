/*
Package resilience provides a circuit breaker for unreliable transports.

# Overview

The breaker guards a repeated operation, typically a send over a
message channel. After a run of consecutive failures it opens and
rejects calls immediately; once the cooldown elapses a single probe is
admitted, closing the breaker on success.

# Usage

	breaker := resilience.New("bridge-send", 5, 30*time.Second)

	err := breaker.Do(func() error {
		return channel.Send(msg)
	})
	if errors.Is(err, resilience.ErrOpen) {
		// transport considered down, queue or drop
	}

# States

	Closed --[failures]-> Open --[cooldown]-> Half-Open --[probe ok]-> Closed
	                                              |
	                                        [probe fails]
	                                              v
	                                            Open
*/
package resilience
