// Package worker runs the pull loop for one class queue.
//
// A Runtime pops a message, claims the artifact with a fresh attempt token
// and runs the class stages in order, skipping stages already recorded.
// Every store mutation is guarded by the token, so a worker that lost
// ownership to a re-dispatch stops without side effects. Class workers end
// by handing the artifact to the graph queue; the graph worker runs
// graph_building, links entities and completes the artifact.
//
// Stage errors and recovered panics go to the retry manager. Store and queue
// errors are infrastructure failures: the loop logs them and backs off.
package worker
