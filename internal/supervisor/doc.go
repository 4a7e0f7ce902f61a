// Package supervisor launches and manages the local game server process
// for installs where the gateway owns it. Stop writes the configured
// console command (stop, by default) to the server's stdin and kills the
// process only after the grace period runs out. Server output is relayed
// into the gateway log, and a configurable pattern in that output marks
// the server ready. ProcessRunning feeds the health monitor so a launching
// server reads as starting rather than stopped.
package supervisor
