// Package enumvalidator checks how string enums are used. An enum is a named string
// type with at least one package-level constant of that type.
//
// Enum-typed struct fields must not be assigned string literals, and a switch over an
// enum value must either list every declared constant or have a default clause.
package enumvalidator

import (
	"go/ast"
	"go/constant"
	"go/token"
	"go/types"
	"sort"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

var Analyzer = &analysis.Analyzer{
	Name:     "enumvalidator",
	Doc:      "checks that enum fields only use defined constants and that enum switches are exhaustive",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (any, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	enums := enumSet{}

	filter := []ast.Node{
		(*ast.AssignStmt)(nil),
		(*ast.CompositeLit)(nil),
		(*ast.SwitchStmt)(nil),
	}
	insp.Preorder(filter, func(n ast.Node) {
		switch n := n.(type) {
		case *ast.AssignStmt:
			if len(n.Lhs) != len(n.Rhs) {
				return
			}
			for i, lhs := range n.Lhs {
				sel, ok := lhs.(*ast.SelectorExpr)
				if !ok {
					continue
				}
				if field := fieldOf(pass, sel.Sel); field != nil {
					checkLiteral(pass, enums, field, n.Rhs[i])
				}
			}

		case *ast.CompositeLit:
			for _, elt := range n.Elts {
				kv, ok := elt.(*ast.KeyValueExpr)
				if !ok {
					continue
				}
				key, ok := kv.Key.(*ast.Ident)
				if !ok {
					continue
				}
				if field := fieldOf(pass, key); field != nil {
					checkLiteral(pass, enums, field, kv.Value)
				}
			}

		case *ast.SwitchStmt:
			checkSwitch(pass, enums, n)
		}
	})
	return nil, nil
}

func fieldOf(pass *analysis.Pass, id *ast.Ident) *types.Var {
	v, ok := pass.TypesInfo.Uses[id].(*types.Var)
	if !ok || !v.IsField() {
		return nil
	}
	return v
}

func checkLiteral(pass *analysis.Pass, enums enumSet, field *types.Var, value ast.Expr) {
	lit, ok := value.(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return
	}
	if enums.constants(field.Type()) == nil {
		return
	}
	pass.Reportf(lit.Pos(), "enum field %s assigned string literal %s; use a %s constant",
		field.Name(), lit.Value, types.TypeString(field.Type(), types.RelativeTo(pass.Pkg)))
}

func checkSwitch(pass *analysis.Pass, enums enumSet, sw *ast.SwitchStmt) {
	if sw.Tag == nil {
		return
	}
	typ := pass.TypesInfo.TypeOf(sw.Tag)
	consts := enums.constants(typ)
	if consts == nil {
		return
	}

	covered := map[string]bool{}
	for _, stmt := range sw.Body.List {
		clause := stmt.(*ast.CaseClause)
		if clause.List == nil {
			return // default
		}
		for _, expr := range clause.List {
			if tv, ok := pass.TypesInfo.Types[expr]; ok && tv.Value != nil && tv.Value.Kind() == constant.String {
				covered[constant.StringVal(tv.Value)] = true
			}
		}
	}

	var missing []string
	for _, c := range consts {
		if !covered[constant.StringVal(c.Val())] {
			missing = append(missing, c.Name())
		}
	}
	if len(missing) == 0 {
		return
	}
	sort.Strings(missing)
	pass.Reportf(sw.Pos(), "switch over %s is missing cases: %s",
		types.TypeString(typ, types.RelativeTo(pass.Pkg)), strings.Join(missing, ", "))
}

// enumSet caches the declared constants per named type; nil means not an enum.
type enumSet map[*types.Named][]*types.Const

func (s enumSet) constants(t types.Type) []*types.Const {
	named, ok := t.(*types.Named)
	if !ok {
		return nil
	}
	if consts, seen := s[named]; seen {
		return consts
	}
	consts := declaredConstants(named)
	s[named] = consts
	return consts
}

func declaredConstants(named *types.Named) []*types.Const {
	basic, ok := named.Underlying().(*types.Basic)
	if !ok || basic.Kind() != types.String {
		return nil
	}
	pkg := named.Obj().Pkg()
	if pkg == nil {
		return nil
	}
	var consts []*types.Const
	scope := pkg.Scope()
	for _, name := range scope.Names() {
		if c, ok := scope.Lookup(name).(*types.Const); ok && types.Identical(c.Type(), named) {
			consts = append(consts, c)
		}
	}
	return consts
}
