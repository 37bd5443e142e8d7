/*
Package reminders implements durable reminders and local timers.

A reminder is a persistent schedule attached to a grain identity: it
survives deactivation and silo restarts, and fires even when the grain
has no current activation. Reminder rows are partitioned over the
consistent-hash ring by grain hash; each silo's reminder service ticks
periodically, reads the rows in its owned ring range, and delivers the
ticks that came due.

A timer is the cheap, volatile counterpart: it lives inside one
activation, fires through the activation's scheduler group, and dies
with the activation.
*/
package reminders
