// Package resolve turns a graph-stage extraction into graph writes and links
// entities that appear in more than one artifact of the same case.
//
// Entities are matched by canonical key only. Two different people with the
// same name in one case are linked; that trade-off keeps resolution
// deterministic and free of model calls.
package resolve
