// Copyright 2025 SQLBarber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package generator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/SolidLao/SQLBarber/template"
)

// placeholderFormatRules spells out the '{{table.column}}' slot contract; it
// closes every generation and repair prompt.
const placeholderFormatRules = `
Format Requirement:
- Predicate values (the dynamic values that will be inserted for filtering) should be wrapped in double curly braces with single quotes like ` + "`'{{}}'`" + `.
- Ensure that all predicate values wrapped in double curly braces are enclosed in single quotes, e.g., ` + "`'{{real_table_name.real_column_name}}'`" + `.
- Table names, column names, and JOIN conditions should be written directly without any curly braces or quotes. Double curly braces with single quotes are only for placeholders where predicate values will be inserted.
- For predicates with both lower and upper bounds, use ` + "`'{{real_table_name.real_column_name_start}}'`" + ` and ` + "`'{{real_table_name.real_column_name_end}}'`" + ` to represent the placeholder values, but do not wrap the actual column names in curly braces.
- The table names and column names should exactly match those in the database. Include both real table name and column name like ` + "`'{{real_table_name.real_column_name}}'`" + `.
`

// buildNaivePrompt is the schema-only generation prompt of the naive mode.
func buildNaivePrompt(dbInfo string, numTemplates int, semanticRequirement string) string {
	var b strings.Builder
	b.WriteString("Task:\n")
	fmt.Fprintf(&b, "Using the provided DB_INFO, generate %d SQL templates to query data from the table.\n", numTemplates)
	b.WriteString("The generated template should include placeholders for predicate values since the specific values for the predicates are unknown.\n\n")
	b.WriteString("DB_INFO:\n")
	b.WriteString(dbInfo)
	b.WriteString("\n\nSQL Requirement:\n")
	b.WriteString("Each query template should be designed to extract meaningful insights such as retrieving specific records, filtering data, or performing aggregations.\n")
	if semanticRequirement != "" {
		b.WriteString(semanticRequirement)
		b.WriteString("\n")
	}
	b.WriteString(placeholderFormatRules)
	b.WriteString(`
Return the results of each query in JSON format:
{
    "query1": "SELECT ...",
    "query2": "SELECT ...",
    "query3": "SELECT ..."
}

SQL Queries:
`)
	return b.String()
}

// buildJoinPathPrompt asks for all join paths of length one and two over the
// schema's foreign-key edges.
func buildJoinPathPrompt(schema *Schema) string {
	var b strings.Builder
	b.WriteString(`Given the following database schema, generate all possible joinable paths based on foreign key relationships.
If the number of join combinations is large, only include the join paths with one or two joins.

Provide the result in JSON format, where the keys are the number of joins (as integers), and the values are lists of possible paths (each path is a list of table names that can be joined together using that number of joins).

Database Schema:
`)
	for _, table := range schema.TableNames() {
		info := schema.Tables[table]
		fmt.Fprintf(&b, "Table: %s\n", table)
		b.WriteString("Columns:\n")
		for col, ci := range info.Columns {
			fmt.Fprintf(&b, "- %s (%s)\n", col, ci.DataType)
		}
		if len(info.PrimaryKeys) > 0 {
			fmt.Fprintf(&b, "Primary Keys: %s\n", strings.Join(info.PrimaryKeys, ", "))
		}
		for _, fk := range info.ForeignKeys {
			fmt.Fprintf(&b, "Foreign Key: %s references %s(%s)\n",
				fk.Column, fk.References.Table, fk.References.Column)
		}
		b.WriteString("\n")
	}
	b.WriteString(`
Please only return the JSON result with the following structure:
{
    "1": [ ["table1", "table2"], ["table3", "table4"] ],
    "2": [ ["table1", "table2", "table3"] ]
}

Where the keys are the number of joins (as integers), and the values are lists of paths (each path is a list of table names that can be joined together using that number of joins).
`)
	return b.String()
}

// buildConstrainedPrompt is the advanced-mode generation prompt for one
// structural constraint over the selected joinable tables.
func buildConstrainedPrompt(c *template.Constraints, tablesInfo map[string]TableInfo) string {
	var b strings.Builder
	b.WriteString("Generate an SQL template with placeholders for predicate values that satisfies the following constraints:\n")
	fmt.Fprintf(&b, "- Number of unique tables accessed: %d\n", c.NumTablesAccessed)
	fmt.Fprintf(&b, "- Number of joins: %d\n", c.NumJoins)
	fmt.Fprintf(&b, "- Number of aggregations: %d\n", c.NumAggregations)
	if c.SemanticRequirement != "" {
		fmt.Fprintf(&b, "- Semantic Requirement: %s\n", c.SemanticRequirement)
	}
	b.WriteString("Use the following table schemas. Only the exact table and column names provided in these schemas are allowed. Any other column name is not allowed.\n")
	if data, err := json.MarshalIndent(tablesInfo, "", "    "); err == nil {
		b.Write(data)
	}
	b.WriteString("\n")
	b.WriteString(placeholderFormatRules)
	b.WriteString(`
Hints:
- If the number of joins exceeds 1 + the number of unique tables accessed, then the query must use self-joins or repeatedly join the same set of tables.
- Do not use predicate values that require aggregation. For example, expressions like real_table_name.real_column_name_min, max, count, sum, or any other aggregation functions are not allowed. Predicate values must be directly accessible from the database and must follow the format real_table_name.real_column_name.
- When constructing predicate conditions, do not use string matching at all. This type of condition is currently not supported.

Now let's think step by step and provide the SQL query template. Return the result in JSON format as:
{
    "sql_template": "Your SQL template here",
    "think_process": "Your step by step thinking here"
}
`)
	return b.String()
}

// buildConstraintCheckPrompt asks the LLM to verify a template against its
// structural constraints, returning a rewrite when they are violated.
func buildConstraintCheckPrompt(templateText string) string {
	var b strings.Builder
	b.WriteString("Given the following SQL query template and the associated constraints:\n\n")
	b.WriteString("SQL Template and Constraints:\n")
	b.WriteString(templateText)
	b.WriteString(`

Other constraints:
- If the number of joins is larger than 1 + the number of unique table accessed, use self joins or join the same set of tables repeatedly.
- Do not use predicate values that require aggregation. For example, expressions like real_table_name.real_column_name_min, max, count, sum, or any other aggregation functions are not allowed. Predicate values must be directly accessible from the database and must follow the format real_table_name.real_column_name.

Think step by step and check if the SQL template satisfies all the constraints.

If it satisfies all the constraints, respond in JSON format:
{
    "result": "Satisfied",
    "think_process": "Your step by step thinking here"
}

If not, let's think step by step and provide the reasons why it does not satisfy the constraints, how to modify it, and the corrected SQL template.
Ensure the corrected SQL template includes the meta information. Don't update the attempt number.
`)
	b.WriteString(placeholderFormatRules)
	b.WriteString(`
Respond in JSON format:
{
    "result": "Not Satisfied/Satisfied",
    "reason": "Your step by step thinking and reason here",
    "modification": "How to modify it",
    "sql_template": "Your corrected SQL template here, including the meta information"
}
`)
	return b.String()
}

// buildGrammarRepairPrompt feeds a DB error and the allowed columns back to
// the LLM for a grammar fix.
func buildGrammarRepairPrompt(templateText, errorMessage string, tableColumns map[string][]string) string {
	var b strings.Builder
	b.WriteString("Given the following SQL template and the error message from the DBMS:\n\n")
	b.WriteString("SQL Template:\n")
	b.WriteString(templateText)
	b.WriteString("\n\nError Message:\n")
	b.WriteString(errorMessage)
	b.WriteString(`

Two Common Errors:
1. Check whether there are predicates that require aggregation. If so, modify it. Expressions like real_table_name.real_column_name_min, max, count, sum, or any other aggregation functions are not allowed. Predicate values must be directly accessible from the database.
2. Check whether the predicates really refer to columns in the corresponding table. Every predicate value should come from one column.
This is the columns in the table used by the SQL template. You can use this to know whether the predicate/column exists in the table.
`)
	if data, err := json.MarshalIndent(tableColumns, "", "    "); err == nil {
		b.Write(data)
	}
	b.WriteString(`

Please fix the SQL template to correct the error, ensuring that it satisfies all the constraints and follows the format requirements.
Ensure the corrected SQL template includes the meta information. Do not update the rewrite attempt number.
`)
	b.WriteString(placeholderFormatRules)
	b.WriteString(`
Note:
- If you see 'test' in the SQL templates, it means no predicate value can be obtained from database. Possibly the column does not exist in database, you should use the correct column name, or the column really exist in the corresponding table.

Now let's think step by step and respond in JSON format:
{
    "think_process": "Your step by step thinking here",
    "sql_template": "Your corrected SQL template here, including the meta information"
}
`)
	return b.String()
}

// templateExample is one few-shot entry of the refinement prompt.
type templateExample struct {
	Text         string
	MinCost      float64
	MaxCost      float64
	AvgCost      float64
	DistinctCost int
	NumCosts     int
	NumJoins     int
	JoinPaths    [][]string
}

// buildRefinePrompt asks the LLM to shift templates toward the target cost
// range, with prior templates and their cost samples as few-shot context.
func buildRefinePrompt(costTypeName string, examples []templateExample, filteredSchema map[string]any, lo, hi float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "We want to generate SQL queries with certain cost type: %s.\n\n", costTypeName)
	fmt.Fprintf(&b, `You are given:
1) %d existing SQL templates, where by changing the predicate values, they have historically produced costs in different ranges.
2) We want to refine or rewrite these templates so that future queries generated using various predicate values will run with a cost in the target range of [%g, %g].

Here are the existing templates and their cost characteristics:
`, len(examples), lo, hi)
	for i, ex := range examples {
		fmt.Fprintf(&b, "\nExample Template %d:\n", i+1)
		fmt.Fprintf(&b, "SQL Template: %s\n", ex.Text)
		fmt.Fprintf(&b, "Historical Cost Range: [%g, %g]\n", ex.MinCost, ex.MaxCost)
		fmt.Fprintf(&b, "Average Cost: %.2f\n", ex.AvgCost)
		fmt.Fprintf(&b, "Distinct Cost Values: %d from %d costs\n", ex.DistinctCost, ex.NumCosts)
		fmt.Fprintf(&b, "Number of JOINs: %d\n", ex.NumJoins)
		fmt.Fprintf(&b, "Possible JOIN paths for %d joins:\n", ex.NumJoins)
		if data, err := json.MarshalIndent(ex.JoinPaths, "", "    "); err == nil {
			b.Write(data)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nTable schema information:\n")
	if data, err := json.MarshalIndent(filteredSchema, "", "    "); err == nil {
		b.Write(data)
	}
	b.WriteString(`

We have three possible refinement operations:
(1) Change the accessed table or JOIN path:
- If only one table is accessed, we can choose a different table which is larger or smaller.
- If more than one table is accessed:
    - Possibly choose different tables or a different order of joins.
    - We can adjust the number of joins up or down based on the target cost range.
    - Use the provided possible joinable paths based on our database schema.

(2) Change the SQL structure:
- Make the SQL template more or less complex.
- Add or delete predicate conditions.
- Change the columns used for filters or predicate conditions based on columns selectivity (i.e., the unique values in a column, provided above).

(3) If it is hard to modify the existing templates to satisfy the target costs, we really encourage you to:
- Create brand-new SQL templates.

Learn from the examples to understand:
- Which templates produce costs closest to our target range
- What patterns lead to higher or lower costs
- How join complexity impacts the cost

We do NOT want to break the basic placeholders format, but you can add, remove, or rename placeholders to shift the cost up/down. For instance, applying more selective predicates might decrease cost, while removing some or joining larger tables might increase cost.

We want you to:
- Decide which operation(s) to use (only join path, only structure, or both, or create brand-new SQL templates).
- Produce a refined SQL template that can push the cost into the target range.
- Provide metadata explaining what was changed.

Finally, respond in **JSON** format as:
{
"sql_template": "Your refined SQL here, note the meta information about sql should be retained",
"metadata": {
    "operation": "join_path" or "structure" or "both" or "brand-new",
    "old_join_path": "old join path, display the accessed table name if there is no join",
    "new_join_path": "new join path",
    "table_size_changes": "Describe how you used bigger/smaller tables (if any)",
    "structural_changes": "Describe any structural changes: new filters, group-by, columns selected, predicate conditions",
    "think_process": "A brief reasoning on how you achieved cost shift"
}
}

Important notes:
- Keep using double curly braces with single quotes for placeholders, e.g. ` + "`'{{some_table.some_column}}'`" + `.
- Make sure don't use constant value as predicate value since you don't know which values are available for that column in database.
- If you do not change the path, set "new_join_path" equal to "same as old".
- If you do not change the structure, set "structural_changes" to "none".
- Make sure the refined SQL is valid enough to parse.
- The refined SQL template should still satisfy the constraints listed in the old SQL template.

Now let's think step by step. Return your answer in valid JSON.
`)
	return b.String()
}

// costTypeName spells a metric type out for prompts.
func costTypeName(costType string) string {
	switch costType {
	case "cost":
		return "execution plan cost"
	case "time":
		return "execution time"
	case "card":
		return "sum of all the cardinalities in the execution plan"
	default:
		return costType
	}
}
