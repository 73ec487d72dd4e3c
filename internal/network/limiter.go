package network

import "sync"

type ipLimiter struct {
	mu         sync.Mutex
	maxConns   int
	connCounts map[string]int
}

func newIPLimiter(maxConns int) *ipLimiter {
	return &ipLimiter{
		maxConns:   maxConns,
		connCounts: make(map[string]int),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	if l.maxConns <= 0 || ip == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] >= l.maxConns {
		return false
	}
	l.connCounts[ip]++
	return true
}

func (l *ipLimiter) releaseConn(ip string) {
	if l.maxConns <= 0 || ip == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] <= 1 {
		delete(l.connCounts, ip)
		return
	}
	l.connCounts[ip]--
}

// LimitListener caps simultaneous inbound streams per observed host. Streams
// over the cap are closed on accept. Hosts the transport cannot observe are
// not limited.
func LimitListener(l Listener, maxPerHost int) Listener {
	if maxPerHost <= 0 {
		return l
	}
	return &limitedListener{Listener: l, lim: newIPLimiter(maxPerHost)}
}

type limitedListener struct {
	Listener
	lim *ipLimiter
}

func (l *limitedListener) Accept() (Stream, error) {
	for {
		s, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		host := s.RemoteHost()
		if !l.lim.acquireConn(host) {
			_ = s.Close()
			continue
		}
		return &limitedStream{Stream: s, release: func() { l.lim.releaseConn(host) }}, nil
	}
}

type limitedStream struct {
	Stream
	once    sync.Once
	release func()
}

func (s *limitedStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(s.release)
	return err
}
