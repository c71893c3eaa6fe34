/*
Package scope builds the capability bundle handed to code running on behalf
of one conversational session.

A Scope carries the session's user and channel records and two effects:
Send posts a formatted message and Exec runs a command through the host's
command pipeline. Records are Observed values. Writes are staged in memory
and only reach the host through Commit, which checks every changed field
against the record's writable allow-list first. A diff containing any field
outside the allow-list is rejected whole.

The staging itself is the pure function Apply, which returns the patched
record together with the fields that actually changed.

# Lifetime

Build creates one Scope per invocation. When the invocation ends the worker
calls Release, after which effects and writes fail with ErrScopeReleased, so
closures kept alive by a script cannot act on a finished invocation.
*/
package scope
