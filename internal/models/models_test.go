package models

import "testing"

func TestRequirementsString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		task Task
		want string
	}{
		{name: "empty", task: Task{}, want: "none"},
		{name: "platform", task: Task{Platform: "windows"}, want: "Platform: windows"},
		{
			name: "all",
			task: Task{Platform: "linux", Machine: "vm1", Tags: []string{"office", "x64"}},
			want: "Platform: linux Machine name: vm1 Tags: office,x64",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := RequirementsString(tc.task); got != tc.want {
				t.Fatalf("RequirementsString() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMachineIsAnalysis(t *testing.T) {
	t.Parallel()

	if !(Machine{Tags: []string{"office"}}).IsAnalysis() {
		t.Fatal("machine without service tag should be an analysis machine")
	}
	if (Machine{Tags: []string{"Service"}}).IsAnalysis() {
		t.Fatal("machine with service tag should not be an analysis machine")
	}
}

func TestCategoryIsFile(t *testing.T) {
	t.Parallel()

	for _, c := range []Category{CategoryFile, CategoryArchive} {
		if !c.IsFile() {
			t.Fatalf("%s.IsFile() = false, want true", c)
		}
	}
	for _, c := range []Category{CategoryURL, CategoryBaseline, CategoryService} {
		if c.IsFile() {
			t.Fatalf("%s.IsFile() = true, want false", c)
		}
	}
}

func TestTaskOptionFallback(t *testing.T) {
	t.Parallel()

	task := Task{Options: map[string]string{"route": "internet", "empty": "  "}}
	if got := task.Option("route", "none"); got != "internet" {
		t.Fatalf("Option(route) = %q, want internet", got)
	}
	if got := task.Option("empty", "none"); got != "none" {
		t.Fatalf("Option(empty) = %q, want none", got)
	}
	if got := (Task{}).Option("route", "drop"); got != "drop" {
		t.Fatalf("Option on nil map = %q, want drop", got)
	}
}
