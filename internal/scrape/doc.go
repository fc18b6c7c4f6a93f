// Package scrape holds the task model shared by the scheduler and its collaborators:
// task configuration, lifecycle status, results and the error taxonomy used to decide
// whether a failed attempt is retried.
package scrape
