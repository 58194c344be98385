// Package utils contains small shared helpers for the registration packages.
package utils

import (
	"math"
	"runtime"
	"sync"

	"go.viam.com/utils"
)

// ParallelFactor is the default level of parallelization used when a caller
// does not request a specific worker count.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

type (
	// BeforeParallelGroupWorkFunc executes before any work starts with the calculated group count.
	BeforeParallelGroupWorkFunc func(numGroups int)
	// MemberWorkFunc runs for each work item (member) of a group.
	MemberWorkFunc func(memberNum, workNum int)
	// GroupWorkDoneFunc runs when a single group's work is done; helpful for merge stages.
	GroupWorkDoneFunc func()
	// GroupWorkFunc runs to determine what work members should do, if any.
	GroupWorkFunc func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc)
)

// GroupWorkParallel parallelizes the given size of work over numWorkers groups,
// each group processing a contiguous range of work numbers. A numWorkers value
// of zero or less falls back to ParallelFactor. Each group owns its range
// exclusively, so group-local state needs no synchronization until the caller's
// merge stage runs after return.
func GroupWorkParallel(totalSize, numWorkers int, before BeforeParallelGroupWorkFunc, groupWork GroupWorkFunc) {
	if numWorkers <= 0 {
		numWorkers = ParallelFactor
	}
	if numWorkers > totalSize {
		numWorkers = totalSize
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	extra := 0
	if totalSize > numWorkers {
		extra = totalSize % numWorkers
	}
	groupSize := int(math.Floor(float64(totalSize) / float64(numWorkers)))

	before(numWorkers)

	var wait sync.WaitGroup
	wait.Add(numWorkers)
	for groupNum := 0; groupNum < numWorkers; groupNum++ {
		groupNumCopy := groupNum
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			groupNum := groupNumCopy

			thisGroupSize := groupSize
			thisExtra := 0
			if groupNum == (numWorkers - 1) {
				thisExtra = extra
				thisGroupSize += thisExtra
			}
			from := groupSize * groupNum
			to := (groupSize * (groupNum + 1)) + thisExtra
			memberWork, groupWorkDone := groupWork(groupNum, thisGroupSize, from, to)
			if memberWork != nil {
				memberNum := 0
				for workNum := from; workNum < to; workNum++ {
					memberWork(memberNum, workNum)
					memberNum++
				}
			}
			if groupWorkDone != nil {
				groupWorkDone()
			}
		})
	}
	wait.Wait()
}
