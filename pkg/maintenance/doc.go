// Package maintenance drives host drains. Draining a host restarts its
// active tasks through the state machine (kill + reschedule elsewhere) and
// marks the host DRAINED once nothing active remains; placement refuses
// draining and drained hosts.
package maintenance
