// Package daemonrun is the composition root: it opens the store, queue and
// graph sink, wires the services on top of them and runs the selected
// components under a daemon supervisor until the process is signalled.
package daemonrun
