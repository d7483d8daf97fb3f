/*
Package types defines the core data structures shared across strata's
safekeeper and pageserver subsystems: tenant/timeline identifiers, LSNs,
consensus terms and term histories, and the fixed-width page key used to
index layer files.

These types carry no behavior beyond what is needed to compare, encode, and
reason about ordering — the heavier lifecycle logic (layer residence,
reconstruction, consensus voting) lives in the packages that consume them.
*/
package types
