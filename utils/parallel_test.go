package utils

import (
	"sync/atomic"
	"testing"

	"go.viam.com/test"
)

func TestGroupWorkParallel(t *testing.T) {
	for _, numWorkers := range []int{0, 1, 3, 8} {
		visited := make([]int32, 100)
		var groups []int64
		GroupWorkParallel(len(visited), numWorkers,
			func(numGroups int) {
				groups = make([]int64, numGroups)
			},
			func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
				test.That(t, to-from, test.ShouldEqual, groupSize)
				return func(memberNum, workNum int) {
						atomic.AddInt32(&visited[workNum], 1)
						groups[groupNum]++
					}, func() {
					}
			})

		// every work number is visited exactly once
		for _, count := range visited {
			test.That(t, count, test.ShouldEqual, 1)
		}
		var total int64
		for _, g := range groups {
			total += g
		}
		test.That(t, total, test.ShouldEqual, int64(len(visited)))
	}
}

func TestGroupWorkParallelWorkerClamping(t *testing.T) {
	// more workers than work items still visits everything exactly once
	visited := make([]int32, 3)
	GroupWorkParallel(len(visited), 16,
		func(numGroups int) {
			test.That(t, numGroups, test.ShouldBeLessThanOrEqualTo, 3)
		},
		func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				atomic.AddInt32(&visited[workNum], 1)
			}, nil
		})
	for _, count := range visited {
		test.That(t, count, test.ShouldEqual, 1)
	}
}

func TestGroupWorkParallelEmpty(t *testing.T) {
	calls := 0
	GroupWorkParallel(0, 4,
		func(numGroups int) {
			test.That(t, numGroups, test.ShouldEqual, 1)
		},
		func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
			test.That(t, from, test.ShouldEqual, to)
			return func(memberNum, workNum int) {
				calls++
			}, nil
		})
	test.That(t, calls, test.ShouldEqual, 0)
}
