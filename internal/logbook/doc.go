// Timestamp unit: nanoseconds since the Unix epoch, read once per publish
// batch via the host wall clock. A true monotonic clock reading (as the
// upstream design favors) cannot be compared across processes - each
// process's monotonic counter has its own, unrelated epoch - so trimming
// decisions need a value every participant agrees on. The tradeoff is the
// documented one: a backward clock step during the bus's lifetime can
// delay trimming of otherwise-expired entries, it cannot corrupt the log.
package logbook
