package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aires/internal/types"
)

const msbuildOutput = `Microsoft (R) Build Engine version 17.8.3
Build started 2024-01-15 10:30:00.
Program.cs(12,9): error CS1503: Argument 1: cannot convert from 'string' to 'int'
Services/UserService.cs(45,17): error CS0246: The type or namespace name 'ILogger' could not be found
Program.cs(30,5): warning CS0219: The variable 'x' is assigned but its value is never used
error CS0006: Metadata file 'Common.dll' could not be found
Build FAILED.
`

const gccOutput = `src/main.c: In function 'main':
src/main.c:42:7: error: expected ';' before 'return'
src/main.c:10:9: warning: unused variable 'buf'
main.c:7: error: 'FOO' undeclared
error: linker command failed with exit code 1
make: *** [all] Error 1
`

func TestCSharpParser(t *testing.T) {
	res := CSharp{}.Parse(msbuildOutput)

	require.Equal(t, 3, res.TotalErrors)
	require.Equal(t, 1, res.TotalWarnings)

	t.Run("location and fields", func(t *testing.T) {
		first := res.Errors[0]
		assert.Equal(t, "CS1503", first.Code)
		assert.Equal(t, "Argument 1: cannot convert from 'string' to 'int'", first.Message)
		assert.Equal(t, types.SeverityError, first.Severity)
		require.NotNil(t, first.Location)
		assert.Equal(t, "Program.cs", first.Location.Path)
		assert.Equal(t, 12, first.Location.Line)
		assert.Equal(t, 9, first.Location.Column)
	})

	t.Run("location is optional", func(t *testing.T) {
		last := res.Errors[2]
		assert.Equal(t, "CS0006", last.Code)
		assert.Nil(t, last.Location)
	})

	t.Run("warnings are separated", func(t *testing.T) {
		assert.Equal(t, "CS0219", res.Warnings[0].Code)
		assert.Equal(t, types.SeverityWarning, res.Warnings[0].Severity)
	})

	t.Run("ordering preserved", func(t *testing.T) {
		assert.Equal(t, []string{"CS1503", "CS0246", "CS0006"},
			[]string{res.Errors[0].Code, res.Errors[1].Code, res.Errors[2].Code})
	})
}

func TestGeneralParser(t *testing.T) {
	res := General{}.Parse(gccOutput)

	require.Equal(t, 3, res.TotalErrors)
	require.Equal(t, 1, res.TotalWarnings)

	t.Run("full location", func(t *testing.T) {
		first := res.Errors[0]
		assert.Equal(t, "ERROR", first.Code)
		assert.Equal(t, "expected ';' before 'return'", first.Message)
		require.NotNil(t, first.Location)
		assert.Equal(t, "src/main.c", first.Location.Path)
		assert.Equal(t, 42, first.Location.Line)
		assert.Equal(t, 7, first.Location.Column)
	})

	t.Run("line without column", func(t *testing.T) {
		second := res.Errors[1]
		require.NotNil(t, second.Location)
		assert.Equal(t, 7, second.Location.Line)
		assert.Equal(t, 0, second.Location.Column)
	})

	t.Run("bare error line", func(t *testing.T) {
		third := res.Errors[2]
		assert.Nil(t, third.Location)
		assert.Equal(t, "linker command failed with exit code 1", third.Message)
	})
}

func TestDetect(t *testing.T) {
	assert.Equal(t, "csharp", Detect(msbuildOutput).Name())
	assert.Equal(t, "general", Detect(gccOutput).Name())
	assert.Equal(t, "general", Detect("nothing to see here").Name())
}

func TestForName(t *testing.T) {
	assert.Equal(t, "csharp", ForName("CSharp").Name())
	assert.Equal(t, "general", ForName("gcc").Name())
	assert.Nil(t, ForName("auto"))
	assert.Nil(t, ForName(""))
}

func TestParseEmptyInput(t *testing.T) {
	res := CSharp{}.Parse("")
	assert.Zero(t, res.TotalErrors)
	assert.Zero(t, res.TotalWarnings)
	assert.Empty(t, res.Errors)
}
