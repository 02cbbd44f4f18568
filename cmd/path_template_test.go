package cmd

import (
	"testing"
	"time"
)

func TestPathTemplateGenerate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		scope    string
		expected string
	}{
		{
			name:     "month token",
			template: "{month}",
			scope:    "1509",
			expected: "1509",
		},
		{
			name:     "static prefix with month",
			template: "shards/{month}",
			scope:    "1509",
			expected: "shards/1509",
		},
		{
			name:     "year and month tokens",
			template: "{YYYY}/{MM}",
			scope:    "1509",
			expected: "2015/09",
		},
		{
			name:     "nineties year",
			template: "{YYYY}/{MM}",
			scope:    "9107",
			expected: "1991/07",
		},
		{
			name:     "shard token",
			template: "archives/{shard}",
			scope:    "arXiv_src_1509_001",
			expected: "archives/arXiv_src_1509_001",
		},
		{
			name:     "date tokens stay literal for shard scopes",
			template: "{YYYY}/{shard}",
			scope:    "arXiv_src_1509_001",
			expected: "{YYYY}/arXiv_src_1509_001",
		},
		{
			name:     "no tokens",
			template: "shards",
			scope:    "1509",
			expected: "shards",
		},
		{
			name:     "all tokens",
			template: "{YYYY}/{MM}/{month}",
			scope:    "2301",
			expected: "2023/01/2301",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewPathTemplate(tt.template).Generate(tt.scope)
			if result != tt.expected {
				t.Errorf("Generate(%q, %q) = %q, want %q", tt.template, tt.scope, result, tt.expected)
			}
		})
	}
}

func TestMonthTime(t *testing.T) {
	t.Run("ModernMonth", func(t *testing.T) {
		ts, ok := monthTime("1509")
		if !ok {
			t.Fatal("1509 should parse")
		}
		expected := time.Date(2015, time.September, 1, 0, 0, 0, 0, time.UTC)
		if !ts.Equal(expected) {
			t.Fatalf("expected %v, got %v", expected, ts)
		}
	})

	t.Run("FirstArxivMonth", func(t *testing.T) {
		// arXiv submissions begin in July 1991, so 91 and up are 19xx
		ts, ok := monthTime("9107")
		if !ok {
			t.Fatal("9107 should parse")
		}
		if ts.Year() != 1991 || ts.Month() != time.July {
			t.Fatalf("expected 1991-07, got %v", ts)
		}
	})

	t.Run("CenturyBoundary", func(t *testing.T) {
		ts, ok := monthTime("9012")
		if !ok {
			t.Fatal("9012 should parse")
		}
		if ts.Year() != 2090 {
			t.Fatalf("90 should map to 2090, got %d", ts.Year())
		}

		ts, ok = monthTime("9101")
		if !ok {
			t.Fatal("9101 should parse")
		}
		if ts.Year() != 1991 {
			t.Fatalf("91 should map to 1991, got %d", ts.Year())
		}
	})

	t.Run("YearZero", func(t *testing.T) {
		ts, ok := monthTime("0001")
		if !ok {
			t.Fatal("0001 should parse")
		}
		if ts.Year() != 2000 || ts.Month() != time.January {
			t.Fatalf("expected 2000-01, got %v", ts)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		testCases := []string{"", "150", "15091", "abcd", "1513", "1500", "15-9"}

		for _, month := range testCases {
			if _, ok := monthTime(month); ok {
				t.Errorf("month '%s' should not parse", month)
			}
		}
	})
}

func TestGenerateArchiveName(t *testing.T) {
	tests := []struct {
		name     string
		scope    string
		ext      string
		expected string
	}{
		{
			name:     "month with gzip",
			scope:    "1501",
			ext:      ".gz",
			expected: "1501_tex.tar.gz",
		},
		{
			name:     "month with zstd",
			scope:    "1501",
			ext:      ".zst",
			expected: "1501_tex.tar.zst",
		},
		{
			name:     "month uncompressed",
			scope:    "1501",
			ext:      "",
			expected: "1501_tex.tar",
		},
		{
			name:     "shard with lz4",
			scope:    "arXiv_src_1509_001",
			ext:      ".lz4",
			expected: "arXiv_src_1509_001_tex.tar.lz4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateArchiveName(tt.scope, tt.ext)
			if result != tt.expected {
				t.Errorf("GenerateArchiveName(%q, %q) = %q, want %q", tt.scope, tt.ext, result, tt.expected)
			}
		})
	}
}
