// Package snowflake generates 64 bit ids that are unique across a fleet of
// generators, roughly time ordered, and minted without any coordination.
//
// Uniqueness across the fleet holds as long as every live generator is
// configured with a distinct (partition id, worker id) pair. Within one
// generator, successive ids strictly increase while the wall clock does not
// move backwards. When it does, NextID fails rather than risk a duplicate;
// the caller decides whether to fail the request or take the instance out of
// service.
package snowflake
