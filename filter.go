package multistream

// Filter is a pre-detection hook a Listener runs, in order, against every
// accepted connection before constructing a MultiStream for it. The default
// list is just DetectProxy; callers append their own (SNI logging, IP
// blocklists, and so on).
type Filter func(conn *Conn, srv *Listener) error
