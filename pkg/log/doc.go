/*
Package log provides structured logging for Roost using zerolog.

Init configures the global logger once at process startup; components then
derive child loggers with WithComponent, WithTaskID, WithJob, or WithHost so
every line carries the context it was emitted under. Output is JSON in
production and a console writer for interactive use.
*/
package log
